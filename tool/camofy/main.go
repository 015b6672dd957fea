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

// Command camofy is the router daemon: it serves the management API and
// supervises the mihomo proxy engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/service"
	"github.com/camofy/camofy/lib/utils"
	logutils "github.com/camofy/camofy/lib/utils/log"
)

func main() {
	app := kingpin.New("camofy", "Router daemon supervising the mihomo proxy engine.")
	app.Version(camofy.Version)
	app.HelpFlag.Short('h')

	host := app.Flag("host", "Address the HTTP API listens on.").
		Envar(defaults.EnvHost).Default(defaults.BindHost).String()
	port := app.Flag("port", "Port the HTTP API listens on.").
		Envar(defaults.EnvPort).Default(fmt.Sprintf("%d", defaults.HTTPListenPort)).Int()
	dataDir := app.Flag("data-dir", "Persistent data directory.").
		Default(defaults.DataRoot()).String()
	logLevel := app.Flag("log-level", "Log severity: debug, info, warn or error.").
		Envar(defaults.EnvLogLevel).Default("info").String()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*host, *port, *dataDir, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(host string, port int, dataDir, logLevel string) error {
	logDir := filepath.Join(dataDir, defaults.LogDirName)
	if err := utils.EnsureDir(logDir); err != nil {
		return err
	}
	logFile := utils.NewGuardedLogWriter(filepath.Join(logDir, defaults.AppLogName))
	if _, err := logutils.Initialize(logutils.Config{
		Severity: logLevel,
		Writer:   logFile,
	}); err != nil {
		return err
	}

	process, err := service.NewProcess(service.Config{
		Host:     host,
		Port:     port,
		DataRoot: dataDir,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return process.Run(ctx)
}
