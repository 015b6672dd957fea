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

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/utils"
	logutils "github.com/camofy/camofy/lib/utils/log"
	"github.com/camofy/camofy/lib/weberr"
)

var log = logutils.NewPackageLogger(camofy.Component("camofy", "config"))

// Store owns the in-memory AppConfig and its on-disk mirror. All reads
// go through Snapshot, all writes through Mutate, so the file and the
// memory image never diverge silently.
type Store struct {
	mu       sync.RWMutex
	path     string
	dataRoot string
	cfg      AppConfig
}

// NewStore loads app.json from under dataRoot. A missing file yields
// fresh defaults. A present but unparseable file is a hard error: wiping
// a router's config because of one bad byte would lose the user's
// subscriptions, so the operator has to intervene.
func NewStore(dataRoot string) (*Store, error) {
	s := &Store{
		path:     filepath.Join(dataRoot, defaults.ConfigDirName, defaults.AppConfigName),
		dataRoot: dataRoot,
	}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		s.cfg = NewAppConfig()
		log.Info("no existing state, starting fresh", "path", s.path)
	case err != nil:
		return nil, trace.ConvertSystemError(err)
	default:
		if err := json.Unmarshal(data, &s.cfg); err != nil {
			return nil, trace.BadParameter("state file %v is corrupt: %v", s.path, err)
		}
		s.cfg.applyDefaults()
		s.cfg.normalize()
	}
	return s, nil
}

// DataRoot returns the data directory the store persists under.
func (s *Store) DataRoot() string {
	return s.dataRoot
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Mutate applies fn to the state under the write lock and persists the
// result atomically. If fn errors the state is untouched. If persisting
// fails the mutation stays applied in memory and the error carries the
// config_save_failed code; behavior continues from memory until the
// next successful save.
func (s *Store) Mutate(fn func(*AppConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := fn(&next); err != nil {
		return trace.Wrap(err)
	}
	s.cfg = next

	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return weberr.WithCode(weberr.CodeConfigSaveFailed, err)
	}
	if err := utils.AtomicWriteFile(s.path, data, 0o600); err != nil {
		log.Error("persisting state failed, continuing from memory", "error", err)
		return weberr.WithCode(weberr.CodeConfigSaveFailed, err)
	}
	return nil
}
