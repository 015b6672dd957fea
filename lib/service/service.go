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

// Package service assembles the daemon: it wires the store, composer,
// engine controller, profile service, scheduler and web handler
// together and supervises their lifecycles.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/compose"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/core"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/profile"
	"github.com/camofy/camofy/lib/scheduler"
	"github.com/camofy/camofy/lib/selection"
	logutils "github.com/camofy/camofy/lib/utils/log"
	"github.com/camofy/camofy/lib/web"
)

var log = logutils.NewPackageLogger(camofy.ComponentProcess)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 5 * time.Second

// Config is the daemon configuration.
type Config struct {
	// Host and Port are the HTTP API listen address. Port zero binds an
	// ephemeral port; the CLI default comes from the flag layer.
	Host string
	Port int

	// DataRoot is the persistent data directory.
	DataRoot string

	Clock clockwork.Clock
}

// CheckAndSetDefaults fills optional fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		c.Host = defaults.BindHost
	}
	if c.Port < 0 || c.Port > 65535 {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	if c.DataRoot == "" {
		c.DataRoot = defaults.DataRoot()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Process is a fully wired daemon instance.
type Process struct {
	Config

	Store      *config.Store
	Bus        *events.Bus
	Controller *core.Controller
	Profiles   *profile.Service
	Handler    *web.Handler

	watcher   *profile.Watcher
	scheduler *scheduler.Scheduler
	listener  net.Listener
}

// NewProcess builds every component and binds the listen socket, so
// address conflicts surface before anything starts.
func NewProcess(cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := config.NewStore(cfg.DataRoot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bus := events.NewBus()

	controller, err := core.NewController(core.Config{
		DataRoot:   cfg.DataRoot,
		Store:      store,
		Bus:        bus,
		Composer:   compose.NewComposer(cfg.DataRoot),
		Selections: selection.NewMemory(store),
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	profiles, err := profile.NewService(profile.ServiceConfig{
		DataRoot: cfg.DataRoot,
		Store:    store,
		Applier:  controller,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	watcher, err := profile.NewWatcher(profiles)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:         store,
		Subscriptions: profiles,
		GeoIP:         controller,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.HandlerConfig{
		Store:      store,
		Controller: controller,
		Profiles:   profiles,
		Bus:        bus,
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err, "binding %v", addr)
	}

	return &Process{
		Config:     cfg,
		Store:      store,
		Bus:        bus,
		Controller: controller,
		Profiles:   profiles,
		Handler:    handler,
		watcher:    watcher,
		scheduler:  sched,
		listener:   listener,
	}, nil
}

// Addr is the bound listen address.
func (p *Process) Addr() string {
	return p.listener.Addr().String()
}

// Run serves until ctx is canceled, then shuts everything down.
func (p *Process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watcher.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.scheduler.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Controller.AutoStart(ctx)
	}()

	server := &http.Server{
		Handler:           p.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(p.listener)
	}()
	log.Info("camofy is listening", "addr", p.Addr(), "version", camofy.Version, "data_root", p.DataRoot)

	select {
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", "error", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http server exited with error", "error", err)
	}
	wg.Wait()
	return nil
}

// Close releases the listen socket for a Process that never ran.
func (p *Process) Close() error {
	return p.listener.Close()
}

// String implements fmt.Stringer for log lines.
func (p *Process) String() string {
	return fmt.Sprintf("camofy(%v)", p.Addr())
}
