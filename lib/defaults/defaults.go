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

// Package defaults holds the compiled-in constants of the daemon: listen
// address, filesystem layout, engine endpoints, download mirrors and the
// various timeouts.
package defaults

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// BindHost is the address the HTTP API listens on unless overridden.
	BindHost = "0.0.0.0"

	// HTTPListenPort is the port the HTTP API listens on unless overridden.
	HTTPListenPort = 3000

	// EnvHost overrides the listen host.
	EnvHost = "CAMOFY_HOST"

	// EnvPort overrides the listen port.
	EnvPort = "CAMOFY_PORT"

	// EnvLogLevel overrides the log level (debug, info, warn, error).
	EnvLogLevel = "CAMOFY_LOG_LEVEL"
)

const (
	// FlashDataRoot is the data root used when the router's persistent
	// flash partition is mounted.
	FlashDataRoot = "/jffs/camofy"

	// flashMount is the mount point probed to decide between FlashDataRoot
	// and the per-user fallback.
	flashMount = "/jffs"

	// ConfigDirName holds app.json, profile payloads and merged.yaml.
	ConfigDirName = "config"

	// CoreDirName holds the engine binary, its pid file and meta sidecar.
	CoreDirName = "core"

	// LogDirName holds the daemon and engine log files.
	LogDirName = "log"

	// TmpDirName holds in-flight downloads before their atomic rename.
	TmpDirName = "tmp"
)

const (
	// AppConfigName is the persisted daemon state file under ConfigDirName.
	AppConfigName = "app.json"

	// MergedConfigName is the composed engine config under ConfigDirName.
	MergedConfigName = "merged.yaml"

	// CoreDefaultsName is the editable baked-defaults file under
	// ConfigDirName.
	CoreDefaultsName = "core-defaults.yaml"

	// CoreBinaryName is the installed engine binary under CoreDirName.
	CoreBinaryName = "mihomo"

	// CoreMetaName is the engine meta sidecar under CoreDirName.
	CoreMetaName = "core.meta.json"

	// CorePIDName is the engine pid file under CoreDirName.
	CorePIDName = "mihomo.pid"

	// GeoIPName is the engine geo database under ConfigDirName.
	GeoIPName = "geoip.metadb"

	// AppLogName is the daemon's own log file under LogDirName.
	AppLogName = "app.log"

	// CoreLogName is the engine's captured output under LogDirName.
	CoreLogName = "mihomo.log"
)

const (
	// EngineSocketPath is the unix socket the engine's controller
	// listens on. merged.yaml pins external-controller-unix to it.
	EngineSocketPath = "/tmp/verge/clash-verge-service.sock"

	// EngineRequestTimeout bounds a single engine RPC round trip.
	EngineRequestTimeout = 30 * time.Second

	// DelayTestURL is the default probe URL for latency tests.
	DelayTestURL = "https://www.gstatic.com/generate_204"

	// DelayTestTimeoutMS is the default latency test timeout.
	DelayTestTimeoutMS = 5000
)

const (
	// ReleaseMetaURL serves the engine release metadata (tag_name).
	ReleaseMetaURL = "https://mirror.camofy.app/repos/MetaCubeX/mihomo/releases/latest"

	// DownloadBaseURL is the prefix engine release assets download from.
	DownloadBaseURL = "https://mirror.camofy.app/MetaCubeX/mihomo/releases/download"

	// GeoIPURL serves the geo database the engine needs at startup.
	GeoIPURL = "https://mirror.camofy.app/MetaCubeX/meta-rules-dat/releases/download/latest/geoip.metadb"

	// HTTPUserAgent identifies outbound subscription and download requests.
	HTTPUserAgent = "clash-verge/v2.4.3"

	// HTTPClientTimeout bounds subscription fetches and downloads.
	HTTPClientTimeout = 300 * time.Second
)

const (
	// NetworkProbeURL is fetched to decide WAN readiness before auto-start.
	NetworkProbeURL = "https://qq.com/"

	// NetworkProbeTimeout bounds one readiness probe.
	NetworkProbeTimeout = 5 * time.Second

	// NetworkProbeInterval separates consecutive readiness probes.
	NetworkProbeInterval = 5 * time.Second

	// NetworkProbeBudget caps the total wait; auto-start proceeds anyway
	// once it is spent.
	NetworkProbeBudget = 300 * time.Second
)

const (
	// SessionTTL is the lifetime of a login token.
	SessionTTL = 8 * time.Hour

	// TaskCron is the schedule both background tasks default to.
	TaskCron = "0 3 * * *"

	// SchedulerRetryInterval is how long a task loop sleeps when its
	// schedule is disabled, empty or unparseable.
	SchedulerRetryInterval = 300 * time.Second

	// SelectionReplayDelay separates engine start from selection replay,
	// giving the engine time to build its proxy table.
	SelectionReplayDelay = 2 * time.Second
)

const (
	// LogMaxBytes is the rotation threshold for guarded log files.
	LogMaxBytes = 1 << 20

	// LogRotateCount is how many rotated generations are kept.
	LogRotateCount = 5

	// LogFreeSpaceMin disables file logging when free space drops under it.
	LogFreeSpaceMin = 1 << 20

	// LogFreeSpaceCheckBytes is how many written bytes pass between free
	// space rechecks.
	LogFreeSpaceCheckBytes = 64 << 10

	// LogFreeSpaceShare caps a log file at this share of free disk space.
	LogFreeSpaceShare = 0.8

	// LogTailLines is how many trailing lines log endpoints return.
	LogTailLines = 200
)

// EventQueueLen bounds a websocket subscriber's event queue; events
// beyond it are dropped rather than blocking the publisher.
const EventQueueLen = 128

// DataRoot returns the persistent data directory: the router flash
// partition when mounted, otherwise a per-user fallback.
func DataRoot() string {
	if fi, err := os.Stat(flashMount); err == nil && fi.IsDir() {
		return FlashDataRoot
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "camofy")
}
