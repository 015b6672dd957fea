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

package utils

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// WaitForNetwork probes url until a request completes, the budget is
// spent, or ctx is canceled. It returns true when the network answered.
// Callers treat an exhausted budget as "proceed anyway": on a router the
// WAN may simply be down and the daemon must still come up.
func WaitForNetwork(ctx context.Context, client *http.Client, url string, interval, perProbe, budget time.Duration, clock clockwork.Clock) bool {
	deadline := clock.Now().Add(budget)
	for {
		if probeOnce(ctx, client, url, perProbe) {
			return true
		}
		if ctx.Err() != nil || !clock.Now().Add(interval).Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-clock.After(interval):
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	// Any HTTP response at all means the WAN is reachable.
	return true
}
