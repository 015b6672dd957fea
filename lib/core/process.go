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
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/utils"
)

// dnsRedirectRule forwards router DNS queries into the engine's DNS
// listener so fake-ip resolution covers LAN clients.
var dnsRedirectRule = []string{
	"-t", "nat", "PREROUTING",
	"-p", "udp", "--dport", "53",
	"-j", "REDIRECT", "--to-ports", "1053",
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, trace.NotFound("pid file does not exist")
		}
		return 0, trace.ConvertSystemError(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, trace.BadParameter("pid file %v is corrupt", path)
	}
	return pid, nil
}

func writePIDFile(path string, pid int) error {
	return trace.Wrap(utils.AtomicWriteFile(path, []byte(strconv.Itoa(pid)), 0o644))
}

// processAlive probes /proc for the pid.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	return err == nil
}

// ensureTunModule loads the tun kernel module so TUN mode is available.
// Failure is logged only; the module may be built in.
func ensureTunModule() {
	if err := exec.Command("modprobe", "tun").Run(); err != nil {
		log.Warn("loading tun kernel module failed", "error", err)
	}
}

func applyDNSRedirectRule() {
	args := append([]string{dnsRedirectRule[0], dnsRedirectRule[1], "-A"}, dnsRedirectRule[2:]...)
	if err := exec.Command("iptables", args...).Run(); err != nil {
		log.Warn("adding dns redirect iptables rule failed", "error", err)
	}
}

func removeDNSRedirectRule() {
	args := append([]string{dnsRedirectRule[0], dnsRedirectRule[1], "-D"}, dnsRedirectRule[2:]...)
	if err := exec.Command("iptables", args...).Run(); err != nil {
		log.Debug("removing dns redirect iptables rule failed", "error", err)
	}
}

// startProcess spawns the engine, wires its output into the guarded log
// file and the event bus, and schedules the selection replay.
func (c *Controller) startProcess(ctx context.Context) error {
	configDir := filepath.Join(c.DataRoot, defaults.ConfigDirName)
	logDir := filepath.Join(c.DataRoot, defaults.LogDirName)
	if err := utils.EnsureDir(logDir); err != nil {
		return trace.Wrap(err)
	}

	ensureTunModule()

	cmd := exec.Command(binaryPath(c.DataRoot),
		"-d", configDir,
		"-f", c.Composer.MergedPath())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return trace.Wrap(err, "spawning core process")
	}
	pid := cmd.Process.Pid
	log.Info("core started", "pid", pid)

	writer := utils.NewGuardedLogWriter(filepath.Join(logDir, defaults.CoreLogName))
	go c.pipeEngineOutput(stdout, writer, "stdout")
	go c.pipeEngineOutput(stderr, writer, "stderr")

	// Reap the child so it never lingers as a zombie; the pid file and
	// /proc probe remain the source of truth for status.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debug("core process exited", "pid", pid, "error", err)
		}
	}()

	if err := writePIDFile(pidPath(c.DataRoot), pid); err != nil {
		log.Warn("writing core pid file failed", "error", err)
	}

	// DNS redirect goes in only after the process is up, so queries are
	// never forwarded into a dead listener.
	applyDNSRedirectRule()

	c.setAutoStartFlag(true)
	c.broadcastStatus(true, pid)

	go c.replaySelections()
	return nil
}

// replaySelections gives the engine a moment to build its proxy table,
// then pushes the remembered group selections back in. It runs on its
// own, not under the caller's context: a start call returns long before
// the replay delay elapses and must not take the replay down with it.
func (c *Controller) replaySelections() {
	<-c.Clock.After(defaults.SelectionReplayDelay)
	client, err := c.EngineClient()
	if err != nil {
		log.Warn("selection replay skipped", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.EngineRequestTimeout)
	defer cancel()
	if err := c.Selections.Apply(ctx, client); err != nil {
		log.Warn("applying saved proxy selections after start failed", "error", err)
	}
}

// stopProcess takes the engine down: DNS redirect out first, then a
// graceful IPC shutdown, then SIGTERM as a fallback.
func (c *Controller) stopProcess(ctx context.Context, pid int) error {
	removeDNSRedirectRule()

	if client, err := c.EngineClient(); err == nil {
		if err := client.StopEngine(ctx); err != nil {
			log.Warn("stopping core via ipc failed, falling back to signal", "error", err)
		} else {
			log.Info("core stopped via ipc")
			c.finishStop()
			return nil
		}
	}

	log.Info("stopping core via signal", "pid", pid)
	out, err := exec.Command("kill", "-TERM", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return trace.Wrap(err, "kill -TERM failed: %s", strings.TrimSpace(string(out)))
	}
	c.finishStop()
	return nil
}

func (c *Controller) finishStop() {
	if err := os.Remove(pidPath(c.DataRoot)); err != nil && !os.IsNotExist(err) {
		log.Debug("removing core pid file failed", "error", err)
	}
	c.setAutoStartFlag(false)
	c.broadcastStatus(false, 0)
}

// setAutoStartFlag remembers the desired engine state so the daemon can
// restore it on its next boot.
func (c *Controller) setAutoStartFlag(value bool) {
	err := c.Store.Mutate(func(cfg *config.AppConfig) error {
		cfg.CoreAutoStart = value
		return nil
	})
	if err != nil {
		log.Warn("persisting core auto start flag failed", "error", err)
	}
}

// pipeEngineOutput copies one engine output stream to the guarded log
// file and fans chunks out on the event bus.
func (c *Controller) pipeEngineOutput(r io.Reader, w *utils.GuardedLogWriter, stream string) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			c.Bus.Broadcast(events.EngineLogChunk{
				Stream:    stream,
				Chunk:     string(buf[:n]),
				Timestamp: utils.TimestampString(c.Clock.Now()),
			})
		}
		if err != nil {
			return
		}
	}
}
