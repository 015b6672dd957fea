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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/utils"
)

// Meta is the sidecar persisted next to the engine binary. It survives
// reinstalls of the daemon because it lives on the data partition.
type Meta struct {
	Version          string `json:"version,omitempty"`
	Arch             string `json:"arch,omitempty"`
	LastDownloadTime string `json:"last_download_time,omitempty"`

	// ControllerSecret is the bearer token for the engine's controller
	// API. Minted once and reused so a daemon restart does not
	// invalidate a running engine's config.
	ControllerSecret string `json:"controller_secret,omitempty"`
}

func coreDir(dataRoot string) string {
	return filepath.Join(dataRoot, defaults.CoreDirName)
}

func binaryPath(dataRoot string) string {
	return filepath.Join(coreDir(dataRoot), defaults.CoreBinaryName)
}

func metaPath(dataRoot string) string {
	return filepath.Join(coreDir(dataRoot), defaults.CoreMetaName)
}

func pidPath(dataRoot string) string {
	return filepath.Join(coreDir(dataRoot), defaults.CorePIDName)
}

// loadMeta reads the sidecar, degrading to zero meta when missing or
// unreadable. The sidecar is advisory; losing it costs a re-download at
// worst.
func loadMeta(dataRoot string) Meta {
	var meta Meta
	data, err := os.ReadFile(metaPath(dataRoot))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("reading core meta failed", "path", metaPath(dataRoot), "error", err)
		}
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Warn("core meta is corrupt, starting over", "path", metaPath(dataRoot), "error", err)
		return Meta{}
	}
	return meta
}

func saveMeta(dataRoot string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(metaPath(dataRoot), data, 0o600))
}

// EnsureControllerSecret returns the engine controller secret, minting
// and persisting one on first use.
func EnsureControllerSecret(dataRoot string) (string, error) {
	meta := loadMeta(dataRoot)
	if meta.ControllerSecret != "" {
		return meta.ControllerSecret, nil
	}
	meta.ControllerSecret = uuid.NewString()
	if err := saveMeta(dataRoot, meta); err != nil {
		return "", trace.Wrap(err)
	}
	return meta.ControllerSecret, nil
}
