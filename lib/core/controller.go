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

// Package core manages the lifecycle of the proxy engine process:
// installing its binary, composing and applying its configuration,
// starting and stopping it, and reporting operation progress.
package core

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/compose"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/engine"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/selection"
	"github.com/camofy/camofy/lib/utils"
	logutils "github.com/camofy/camofy/lib/utils/log"
	"github.com/camofy/camofy/lib/weberr"
)

var log = logutils.NewPackageLogger(camofy.ComponentCore)

// Config holds the dependencies of a Controller.
type Config struct {
	DataRoot   string
	Store      *config.Store
	Bus        *events.Bus
	Composer   *compose.Composer
	Selections *selection.Memory
	// HTTPClient downloads release metadata and binaries. Optional.
	HTTPClient *http.Client
	// SocketPath is the engine controller unix socket. Optional.
	SocketPath string
	// GeoIPURL is where the geo database is fetched from. Optional.
	GeoIPURL string
	Clock    clockwork.Clock
}

// Controller supervises the engine process.
type Controller struct {
	Config

	// opMu serializes the mutating lifecycle operations. Status reads do
	// not take it.
	opMu    sync.Mutex
	tracker *operationTracker
}

// NewController validates cfg and returns a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.DataRoot == "" {
		return nil, trace.BadParameter("missing DataRoot")
	}
	if cfg.Store == nil {
		return nil, trace.BadParameter("missing Store")
	}
	if cfg.Bus == nil {
		return nil, trace.BadParameter("missing Bus")
	}
	if cfg.Composer == nil {
		return nil, trace.BadParameter("missing Composer")
	}
	if cfg.Selections == nil {
		return nil, trace.BadParameter("missing Selections")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaults.HTTPClientTimeout}
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaults.EngineSocketPath
	}
	if cfg.GeoIPURL == "" {
		cfg.GeoIPURL = defaults.GeoIPURL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Controller{
		Config:  cfg,
		tracker: newOperationTracker(cfg.Bus, cfg.Clock),
	}, nil
}

// Status is a point-in-time view of the engine process.
type Status struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// Info describes the installed engine binary and its process.
type Info struct {
	Installed        bool   `json:"binary_exists"`
	Version          string `json:"version,omitempty"`
	Arch             string `json:"arch,omitempty"`
	LastDownloadTime string `json:"last_download_time,omitempty"`
	Running          bool   `json:"running"`
	PID              int    `json:"pid,omitempty"`
}

// Status probes the pid file and /proc for a live engine process.
func (c *Controller) Status() Status {
	pid, ok := c.livePID()
	if !ok {
		return Status{}
	}
	return Status{Running: true, PID: pid}
}

// Info combines the install sidecar with the live process status.
func (c *Controller) Info() Info {
	meta := loadMeta(c.DataRoot)
	status := c.Status()
	return Info{
		Installed:        utils.FileExists(binaryPath(c.DataRoot)),
		Version:          meta.Version,
		Arch:             meta.Arch,
		LastDownloadTime: meta.LastDownloadTime,
		Running:          status.Running,
		PID:              status.PID,
	}
}

// Operation returns the state of the current or most recent async
// lifecycle operation, or nil when none has run.
func (c *Controller) Operation() *events.CoreOperationState {
	return c.tracker.snapshot()
}

// EngineClient returns a client for the engine's controller API.
func (c *Controller) EngineClient() (*engine.Client, error) {
	secret, err := EnsureControllerSecret(c.DataRoot)
	if err != nil {
		return nil, weberr.WithCode(weberr.CodeMihomoSecretError, err)
	}
	return engine.NewClient(c.SocketPath, secret), nil
}

// ApplyConfig recomposes the merged config and, when the engine is
// running, asks it to reload. The reload outcome is reported in the
// returned result and in a broadcast ConfigApplied event; only the
// composition itself can fail the call.
func (c *Controller) ApplyConfig(ctx context.Context, reason events.ConfigChangeReason) (events.CoreReloadResult, error) {
	cfg := c.Store.Snapshot()
	if err := c.Composer.Generate(cfg); err != nil {
		return events.CoreReloadResult{}, weberr.WithCode(weberr.CodeConfigMergeFailed, err)
	}

	result := events.CoreReloadResult{Outcome: events.ReloadNotRunning}
	if c.Status().Running {
		result = c.reloadRunningEngine(ctx)
	}

	c.Bus.Broadcast(events.ConfigApplied{
		Reason:     reason,
		CoreReload: result,
		Timestamp:  utils.TimestampString(c.Clock.Now()),
	})
	log.Info("applied merged config", "reason", reason, "reload", result.Outcome)
	return result, nil
}

func (c *Controller) reloadRunningEngine(ctx context.Context) events.CoreReloadResult {
	client, err := c.EngineClient()
	if err == nil {
		err = client.ReloadConfig(ctx, c.Composer.MergedPath())
	}
	if err != nil {
		log.Warn("engine config reload failed", "error", err)
		return events.CoreReloadResult{
			Outcome: events.ReloadFailed,
			Message: trace.UserMessage(err),
		}
	}
	return events.CoreReloadResult{Outcome: events.ReloadOK}
}

// Start launches the engine. The merged config is regenerated first so
// the engine always boots from the current profiles.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !utils.FileExists(binaryPath(c.DataRoot)) {
		return weberr.New(weberr.CodeCoreNotInstalled, "core binary is not installed")
	}
	if c.Status().Running {
		return weberr.New(weberr.CodeCoreAlreadyRunning, "core is already running")
	}
	// The engine wants its geo database at boot. A failed fetch is not
	// fatal: geo rules degrade, the proxy core still runs.
	if !utils.FileExists(c.GeoIPPath()) {
		log.Info("geoip database missing, fetching before start")
		if err := c.UpdateGeoIP(ctx); err != nil {
			log.Warn("geoip fetch failed, starting without it", "error", err)
		}
	}
	if _, err := c.ApplyConfig(ctx, events.ReasonCoreStarting); err != nil {
		return trace.Wrap(err)
	}
	if !utils.FileExists(c.Composer.MergedPath()) {
		return weberr.New(weberr.CodeCoreConfigMissing, "merged config does not exist")
	}
	if err := c.startProcess(ctx); err != nil {
		return weberr.WithCode(weberr.CodeCoreStartFailed, err)
	}
	return nil
}

// Stop terminates the engine, preferring a graceful IPC shutdown and
// falling back to SIGTERM.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	pid, ok := c.livePID()
	if !ok {
		return weberr.New(weberr.CodeCoreNotRunning, "core is not running")
	}
	if err := c.stopProcess(ctx, pid); err != nil {
		return weberr.WithCode(weberr.CodeCoreStopFailed, err)
	}
	return nil
}

// Restart is a stop (when running) followed by a start.
func (c *Controller) Restart(ctx context.Context) error {
	if c.Status().Running {
		if err := c.Stop(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(c.Start(ctx))
}

// AsyncResult is the immediate acknowledgment of an async operation.
type AsyncResult struct {
	Operation string `json:"operation"`
}

// async runs fn in a goroutine under the operation tracker, refusing to
// start while another tracked operation is still in flight. The
// operation context stays live after fn returns: a start spawns work
// that outlasts the operation itself.
func (c *Controller) async(kind string, fn func(ctx context.Context) error) (AsyncResult, error) {
	if !c.tracker.begin(kind) {
		return AsyncResult{}, weberr.New(weberr.CodeCoreOperationInProgress,
			"another core operation is already in progress")
	}
	go func() {
		err := fn(context.Background())
		if err != nil {
			log.Warn("core operation failed", "operation", kind, "error", err)
		}
		c.tracker.finish(kind, err)
	}()
	return AsyncResult{Operation: kind}, nil
}

// StartAsync launches the engine in the background.
func (c *Controller) StartAsync() (AsyncResult, error) {
	return c.async(events.OpStart, c.Start)
}

// StopAsync stops the engine in the background.
func (c *Controller) StopAsync() (AsyncResult, error) {
	return c.async(events.OpStop, c.Stop)
}

// RestartAsync restarts the engine in the background.
func (c *Controller) RestartAsync() (AsyncResult, error) {
	return c.async(events.OpRestart, c.Restart)
}

// DownloadAsync installs or updates the engine binary in the
// background. An empty url means resolve the latest release.
func (c *Controller) DownloadAsync(url string) (AsyncResult, error) {
	return c.async(events.OpDownload, func(ctx context.Context) error {
		return c.download(ctx, url)
	})
}

// AutoStart starts the engine at daemon boot when configured to, waiting
// for outbound network first so the initial subscription state is
// usable. Never returns an error; failures are logged.
func (c *Controller) AutoStart(ctx context.Context) {
	if !c.Store.Snapshot().CoreAutoStart {
		log.Debug("core auto start is disabled")
		return
	}
	if c.Status().Running {
		log.Info("core already running, skipping auto start")
		return
	}
	if !utils.FileExists(binaryPath(c.DataRoot)) {
		log.Warn("core auto start skipped, binary is not installed")
		return
	}
	up := utils.WaitForNetwork(ctx, c.HTTPClient,
		defaults.NetworkProbeURL, defaults.NetworkProbeInterval,
		defaults.NetworkProbeTimeout, defaults.NetworkProbeBudget, c.Clock)
	if !up {
		log.Warn("network did not come up in time, starting core anyway")
	}
	if err := c.Start(ctx); err != nil {
		log.Warn("core auto start failed", "error", err)
		return
	}
	log.Info("core auto started")
}

func (c *Controller) broadcastStatus(running bool, pid int) {
	c.Bus.Broadcast(events.CoreStatusChanged{
		Running:   running,
		PID:       pid,
		Timestamp: utils.TimestampString(c.Clock.Now()),
	})
}

// livePID returns the pid from the pid file if that process is still the
// engine. A stale pid file is removed.
func (c *Controller) livePID() (int, bool) {
	pid, err := readPIDFile(pidPath(c.DataRoot))
	if err != nil {
		return 0, false
	}
	if !processAlive(pid) {
		if err := os.Remove(pidPath(c.DataRoot)); err != nil && !os.IsNotExist(err) {
			log.Debug("removing stale pid file failed", "error", err)
		}
		return 0, false
	}
	return pid, true
}
