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

package core

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camofy/camofy/lib/compose"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/selection"
	"github.com/camofy/camofy/lib/weberr"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	dataRoot := t.TempDir()
	store, err := config.NewStore(dataRoot)
	require.NoError(t, err)
	ctrl, err := NewController(Config{
		DataRoot:   dataRoot,
		Store:      store,
		Bus:        events.NewBus(),
		Composer:   compose.NewComposer(dataRoot),
		Selections: selection.NewMemory(store),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		SocketPath: filepath.Join(dataRoot, "engine.sock"),
		Clock:      clockwork.NewFakeClockAt(time.Unix(1700000000, 0)),
	})
	require.NoError(t, err)
	return ctrl
}

func TestControllerSecretIsMintedOnceAndPersisted(t *testing.T) {
	dataRoot := t.TempDir()

	first, err := EnsureControllerSecret(dataRoot)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := EnsureControllerSecret(dataRoot)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	meta := loadMeta(dataRoot)
	assert.Equal(t, first, meta.ControllerSecret)
}

func TestCorruptMetaStartsOver(t *testing.T) {
	dataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(coreDir(dataRoot), 0o755))
	require.NoError(t, os.WriteFile(metaPath(dataRoot), []byte("{nope"), 0o600))

	meta := loadMeta(dataRoot)
	assert.Equal(t, Meta{}, meta)
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pid")

	_, err := readPIDFile(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = readPIDFile(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(" 4242\n"), 0o644))
	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestStatusCleansStalePIDFile(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, os.MkdirAll(coreDir(ctrl.DataRoot), 0o755))

	// Practically guaranteed free pid: far beyond default pid_max.
	require.NoError(t, writePIDFile(pidPath(ctrl.DataRoot), 99999999))
	status := ctrl.Status()
	assert.False(t, status.Running)
	_, err := os.Stat(pidPath(ctrl.DataRoot))
	assert.True(t, os.IsNotExist(err))
}

func TestStatusSeesLiveProcess(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, os.MkdirAll(coreDir(ctrl.DataRoot), 0o755))
	require.NoError(t, writePIDFile(pidPath(ctrl.DataRoot), os.Getpid()))

	status := ctrl.Status()
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
}

func TestEngineArchTag(t *testing.T) {
	assert.Equal(t, "linux-amd64", engineArchTag("x86_64"))
	assert.Equal(t, "linux-amd64", engineArchTag("amd64"))
	assert.Equal(t, "linux-arm64", engineArchTag("aarch64"))
	assert.Equal(t, "linux-armv7", engineArchTag("armv7l"))
	assert.Equal(t, "linux-armv8", engineArchTag("armv8"))
	assert.Equal(t, "linux-mipsle", engineArchTag("mipsel"))
	assert.Equal(t, "linux-mips", engineArchTag("mips"))
	assert.Equal(t, "", engineArchTag("riscv64"))
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractEngineBinary(t *testing.T) {
	payload := []byte("ELF pretend binary")

	out, err := extractEngineBinary(gzipBytes(t, payload), "mihomo-linux-amd64-v1.19.0.gz")
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	out, err = extractEngineBinary(payload, "mihomo")
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	var tarBuf bytes.Buffer
	gz := gzip.NewWriter(&tarBuf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "release/mihomo-linux-amd64", Mode: 0o755,
		Size: int64(len(payload)), Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	out, err = extractEngineBinary(tarBuf.Bytes(), "mihomo.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	var emptyTar bytes.Buffer
	gz = gzip.NewWriter(&emptyTar)
	tw = tar.NewWriter(gz)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	_, err = extractEngineBinary(emptyTar.Bytes(), "other.tar.gz")
	require.Error(t, err)
}

func TestOperationTrackerLifecycle(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	tracker := newOperationTracker(bus, clockwork.NewFakeClockAt(time.Unix(1700000000, 0)))
	require.Nil(t, tracker.snapshot())
	require.False(t, tracker.running())

	tracker.begin(events.OpDownload)
	require.True(t, tracker.running())
	state := tracker.snapshot()
	require.NotNil(t, state)
	assert.Equal(t, events.OpDownload, state.Kind)
	assert.Equal(t, events.OpStatusRunning, state.Status)
	assert.Equal(t, "1700000000", state.StartedAt)
	assert.Empty(t, state.FinishedAt)

	tracker.progress(events.OpDownload, 0.5, "downloading core")
	state = tracker.snapshot()
	require.NotNil(t, state.Progress)
	assert.Equal(t, 0.5, *state.Progress)
	assert.Equal(t, "downloading core", state.Message)

	tracker.finish(events.OpDownload, nil)
	state = tracker.snapshot()
	assert.Equal(t, events.OpStatusSucceeded, state.Status)
	assert.Equal(t, "1700000000", state.FinishedAt)
	assert.False(t, tracker.running())

	// Every transition was broadcast.
	var seen int
	for len(sub.Events()) > 0 {
		ev := <-sub.Events()
		_, ok := ev.(events.CoreOperationUpdated)
		require.True(t, ok)
		seen++
	}
	assert.Equal(t, 3, seen)
}

func TestOperationTrackerFailureKeepsMessage(t *testing.T) {
	tracker := newOperationTracker(events.NewBus(), clockwork.NewFakeClock())
	tracker.begin(events.OpStart)
	tracker.finish(events.OpStart, assert.AnError)

	state := tracker.snapshot()
	assert.Equal(t, events.OpStatusFailed, state.Status)
	assert.Equal(t, assert.AnError.Error(), state.Message)
	assert.NotEmpty(t, state.FinishedAt)
}

func TestAsyncRefusesConcurrentOperations(t *testing.T) {
	ctrl := newTestController(t)

	release := make(chan struct{})
	done := make(chan struct{})
	_, err := ctrl.async(events.OpDownload, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	go func() {
		defer close(done)
		for ctrl.tracker.running() {
			time.Sleep(time.Millisecond)
		}
	}()

	_, err = ctrl.async(events.OpStart, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.Equal(t, weberr.CodeCoreOperationInProgress, weberr.Code(err))

	close(release)
	<-done
}

func TestAsyncAdmitsExactlyOneConcurrentCaller(t *testing.T) {
	ctrl := newTestController(t)

	release := make(chan struct{})
	start := make(chan struct{})
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ctrl.async(events.OpDownload, func(ctx context.Context) error {
				<-release
				return nil
			})
			if err == nil {
				admitted.Add(1)
			} else {
				assert.Equal(t, weberr.CodeCoreOperationInProgress, weberr.Code(err))
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
	close(release)
}

func TestOperationTrackerBeginIsExclusive(t *testing.T) {
	tracker := newOperationTracker(events.NewBus(), clockwork.NewFakeClock())

	require.True(t, tracker.begin(events.OpStart))
	assert.False(t, tracker.begin(events.OpStop))
	// The refused begin left the running operation untouched.
	assert.Equal(t, events.OpStart, tracker.snapshot().Kind)

	tracker.finish(events.OpStart, nil)
	assert.True(t, tracker.begin(events.OpStop))
}

func TestAsyncContextOutlivesOperation(t *testing.T) {
	ctrl := newTestController(t)

	captured := make(chan context.Context, 1)
	_, err := ctrl.async(events.OpStart, func(ctx context.Context) error {
		captured <- ctx
		return nil
	})
	require.NoError(t, err)

	opCtx := <-captured
	require.Eventually(t, func() bool {
		return !ctrl.tracker.running()
	}, 5*time.Second, time.Millisecond)

	// Work spawned by the operation, like the selection replay after a
	// start, may still be waiting on this context.
	select {
	case <-opCtx.Done():
		t.Fatal("operation context was canceled once the operation returned")
	default:
	}
}

// engineStub answers the controller's unix socket RPCs with canned
// responses and records every request it sees.
type engineStub struct {
	requests chan string
}

func startEngineStub(t *testing.T, socketPath, proxiesBody string) *engineStub {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	stub := &engineStub{requests: make(chan string, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 8192)
				n, _ := conn.Read(buf)
				req := string(buf[:n])
				stub.requests <- req
				body := "{}"
				if strings.HasPrefix(req, "GET /proxies ") {
					body = proxiesBody
				}
				fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
					len(body), body)
			}()
		}
	}()
	return stub
}

func (s *engineStub) nextRequest(t *testing.T) string {
	t.Helper()
	select {
	case req := <-s.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no engine request arrived")
		return ""
	}
}

const replayProxiesBody = `{"proxies":{
	"GLOBAL":{"name":"GLOBAL","type":"Selector","all":["Manual"],"now":"Manual"},
	"Manual":{"name":"Manual","type":"Selector","all":["node-a","node-b"],"now":"node-a"},
	"node-a":{"name":"node-a","type":"ss"},
	"node-b":{"name":"node-b","type":"ss"}}}`

func TestSelectionReplayFiresAfterStartReturns(t *testing.T) {
	ctrl := newTestController(t)
	require.NoError(t, ctrl.Selections.Record("Manual", "node-b"))
	stub := startEngineStub(t, ctrl.SocketPath, replayProxiesBody)

	// The goroutine that scheduled the replay is long gone by the time
	// the delay elapses; the replay must still happen.
	go ctrl.replaySelections()

	clock := ctrl.Clock.(clockwork.FakeClock)
	clock.BlockUntil(1)
	clock.Advance(defaults.SelectionReplayDelay)

	first := stub.nextRequest(t)
	assert.True(t, strings.HasPrefix(first, "GET /proxies "), "got %q", first)
	second := stub.nextRequest(t)
	assert.True(t, strings.HasPrefix(second, "PUT /proxies/Manual "), "got %q", second)
	assert.Contains(t, second, `{"name":"node-b"}`)
}

func TestStartFetchesMissingGeoIPDatabase(t *testing.T) {
	payload := []byte("metadb payload")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	ctrl := newTestController(t)
	ctrl.GeoIPURL = srv.URL
	// A present but non-executable binary passes the install check and
	// fails at spawn, after the pre-flight has run.
	require.NoError(t, os.MkdirAll(coreDir(ctrl.DataRoot), 0o755))
	require.NoError(t, os.WriteFile(binaryPath(ctrl.DataRoot), []byte("not elf"), 0o644))

	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, weberr.CodeCoreStartFailed, weberr.Code(err))

	assert.Equal(t, int32(1), hits.Load())
	data, err := os.ReadFile(ctrl.GeoIPPath())
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// Second start finds the database in place and does not refetch.
	err = ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStartSurvivesGeoIPFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctrl := newTestController(t)
	ctrl.GeoIPURL = srv.URL
	require.NoError(t, os.MkdirAll(coreDir(ctrl.DataRoot), 0o755))
	require.NoError(t, os.WriteFile(binaryPath(ctrl.DataRoot), []byte("not elf"), 0o644))

	// The start proceeds past the failed fetch and dies at spawn, not on
	// the geoip download.
	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, weberr.CodeCoreStartFailed, weberr.Code(err))
	assert.False(t, fileExists(ctrl.GeoIPPath()))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestStartRequiresInstalledBinary(t *testing.T) {
	ctrl := newTestController(t)
	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, weberr.CodeCoreNotInstalled, weberr.Code(err))
}

func TestStopRequiresRunningEngine(t *testing.T) {
	ctrl := newTestController(t)
	err := ctrl.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, weberr.CodeCoreNotRunning, weberr.Code(err))
}

func TestApplyConfigReportsNotRunning(t *testing.T) {
	ctrl := newTestController(t)
	sub := ctrl.Bus.Subscribe()
	defer sub.Close()

	result, err := ctrl.ApplyConfig(context.Background(), events.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, events.ReloadNotRunning, result.Outcome)

	ev := <-sub.Events()
	applied, ok := ev.(events.ConfigApplied)
	require.True(t, ok)
	assert.Equal(t, events.ReasonManual, applied.Reason)
	assert.Equal(t, events.ReloadNotRunning, applied.CoreReload.Outcome)

	// The merged config was composed even without a running engine.
	_, statErr := os.Stat(ctrl.Composer.MergedPath())
	assert.NoError(t, statErr)
}

func TestDownloadInstallsRawBinaryFromCustomURL(t *testing.T) {
	payload := []byte("#!/bin/sh\necho pretend engine\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	ctrl := newTestController(t)
	err := ctrl.download(context.Background(), srv.URL+"/mihomo")
	require.NoError(t, err)

	installed, err := os.ReadFile(binaryPath(ctrl.DataRoot))
	require.NoError(t, err)
	assert.Equal(t, payload, installed)

	meta := loadMeta(ctrl.DataRoot)
	assert.NotEmpty(t, meta.Arch)
	assert.Equal(t, "1700000000", meta.LastDownloadTime)

	info := ctrl.Info()
	assert.True(t, info.Installed)
}

func TestDownloadResolvesLatestRelease(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		w.Write([]byte(`{"tag_name":"v1.19.0"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newTestController(t)
	url, version, asset, err := ctrl.resolveDownloadURLAt(context.Background(), srv.URL+"/repos/latest", "linux-amd64")
	require.NoError(t, err)
	assert.Equal(t, "1.19.0", version)
	assert.Equal(t, "mihomo-linux-amd64-v1.19.0.gz", asset)
	assert.Equal(t, defaults.DownloadBaseURL+"/v1.19.0/mihomo-linux-amd64-v1.19.0.gz", url)
}

func TestGeoIPUpdateWritesAtomically(t *testing.T) {
	payload := []byte("metadb payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	ctrl := newTestController(t)
	err := ctrl.updateGeoIPFrom(context.Background(), srv.URL)
	require.NoError(t, err)

	data, err := os.ReadFile(ctrl.GeoIPPath())
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}
