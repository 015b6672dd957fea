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

// Package logutils configures the process wide slog handler and hands
// out per-package loggers tagged with their component name.
package logutils

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/camofy/camofy"
)

// Config controls Initialize.
type Config struct {
	// Severity is one of debug, info, warn, error. Empty means info.
	Severity string
	// Writer receives log output in addition to stderr. Optional.
	Writer io.Writer
}

// Initialize installs the default slog handler and returns the root
// logger. Log lines go to stderr and, when Writer is set, to it as well.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var w io.Writer = os.Stderr
	if cfg.Writer != nil {
		w = io.MultiWriter(os.Stderr, cfg.Writer)
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

// NewPackageLogger returns a logger tagged with the given component name,
// for use as a package level logger. Package loggers are created during
// package init, before Initialize runs, so they must not capture the
// default handler of that moment; the returned logger resolves the
// current default on every log call instead.
func NewPackageLogger(component string) *slog.Logger {
	return slog.New(&deferredHandler{}).With(camofy.ComponentKey, component)
}

// deferredHandler forwards every call to whatever handler is installed
// as the process default at that time, carrying its accumulated attrs
// along.
type deferredHandler struct {
	attrs []slog.Attr
}

func (h *deferredHandler) resolve() slog.Handler {
	target := slog.Default().Handler()
	if len(h.attrs) > 0 {
		target = target.WithAttrs(h.attrs)
	}
	return target
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &deferredHandler{attrs: merged}
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	// Groups bind to the handler of the moment; nothing in the daemon
	// uses them on a package logger.
	return h.resolve().WithGroup(name)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log level %q", s)
}
