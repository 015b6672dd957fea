/*
 * Camofy
 * Copyright (C) 2025  Camofy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{DataRoot: t.TempDir()}
	require.NoError(t, cfg.CheckAndSetDefaults())
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.NotNil(t, cfg.Clock)

	bad := Config{DataRoot: t.TempDir(), Port: 70000}
	require.Error(t, bad.CheckAndSetDefaults())
}

func TestProcessServesAPI(t *testing.T) {
	p, err := NewProcess(Config{
		Host:     "127.0.0.1",
		Port:     0,
		DataRoot: t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	var health struct {
		Code string `json:"code"`
		Data struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		} `json:"data"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + p.Addr() + "/api/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "ok", health.Code)
	assert.Equal(t, "ok", health.Data.Status)
	assert.NotEmpty(t, health.Data.Version)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not shut down")
	}
}

func TestProcessRefusesBusyPort(t *testing.T) {
	first, err := NewProcess(Config{
		Host:     "127.0.0.1",
		Port:     0,
		DataRoot: t.TempDir(),
	})
	require.NoError(t, err)
	defer first.Close()

	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, err = NewProcess(Config{
		Host:     "127.0.0.1",
		Port:     port,
		DataRoot: t.TempDir(),
	})
	require.Error(t, err)
}
