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

// Package config models the daemon's persisted state (app.json) and the
// store guarding concurrent access to it.
package config

import (
	"path/filepath"

	"github.com/camofy/camofy/lib/defaults"
)

// ProfileKind distinguishes fetched subscriptions from locally edited
// overlays.
type ProfileKind string

const (
	// ProfileRemote is a subscription fetched from a provider URL.
	ProfileRemote ProfileKind = "remote"
	// ProfileUser is a local YAML overlay edited through the panel.
	ProfileUser ProfileKind = "user"
)

// ProfileMeta describes one profile. The payload lives on disk; Path is
// relative to the config directory so the data root can move.
type ProfileMeta struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Kind ProfileKind `json:"profile_type"`
	Path string      `json:"path"`

	// URL is set for remote profiles only.
	URL string `json:"url,omitempty"`

	// Fetch bookkeeping, remote profiles only. Times are unix seconds in
	// decimal.
	LastFetchTime   string `json:"last_fetch_time,omitempty"`
	LastFetchStatus string `json:"last_fetch_status,omitempty"`

	// LastModifiedTime is maintained for user profiles.
	LastModifiedTime string `json:"last_modified_time,omitempty"`
}

// AbsolutePath resolves the profile payload location under dataRoot.
func (p ProfileMeta) AbsolutePath(dataRoot string) string {
	return filepath.Join(dataRoot, defaults.ConfigDirName, filepath.FromSlash(p.Path))
}

// ScheduledTaskConfig drives one background task loop.
type ScheduledTaskConfig struct {
	Cron    string `json:"cron"`
	Enabled bool   `json:"enabled"`

	// Last run bookkeeping, updated by the scheduler.
	LastRunTime    string `json:"last_run_time,omitempty"`
	LastRunStatus  string `json:"last_run_status,omitempty"`
	LastRunMessage string `json:"last_run_message,omitempty"`
}

// ProxySelection is one remembered group choice.
type ProxySelection struct {
	Group string `json:"group"`
	Node  string `json:"node"`
}

// ProxySelectionSet remembers the group choices made while a particular
// subscription and user profile pair was active. Either ID may be empty.
type ProxySelectionSet struct {
	SubscriptionID string           `json:"subscription_id,omitempty"`
	UserProfileID  string           `json:"user_profile_id,omitempty"`
	Selections     []ProxySelection `json:"selections"`
}

// AppConfig is the full persisted daemon state.
type AppConfig struct {
	Profiles             []ProfileMeta       `json:"profiles"`
	ActiveSubscriptionID string              `json:"active_subscription_id,omitempty"`
	ActiveUserProfileID  string              `json:"active_user_profile_id,omitempty"`
	PanelPasswordHash    string              `json:"panel_password_hash,omitempty"`
	CoreAutoStart        bool                `json:"core_auto_start"`
	SubscriptionUpdate   ScheduledTaskConfig `json:"subscription_auto_update"`
	GeoIPUpdate          ScheduledTaskConfig `json:"geoip_auto_update"`
	ProxySelections      []ProxySelectionSet `json:"proxy_selections,omitempty"`
}

// NewAppConfig returns the state a fresh install starts with.
func NewAppConfig() AppConfig {
	cfg := AppConfig{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills fields older state files may lack.
func (c *AppConfig) applyDefaults() {
	if c.SubscriptionUpdate.Cron == "" && c.SubscriptionUpdate.LastRunTime == "" {
		c.SubscriptionUpdate = ScheduledTaskConfig{Cron: defaults.TaskCron, Enabled: true}
	}
	if c.GeoIPUpdate.Cron == "" && c.GeoIPUpdate.LastRunTime == "" {
		c.GeoIPUpdate = ScheduledTaskConfig{Cron: defaults.TaskCron, Enabled: true}
	}
}

// normalize repairs state that older versions could have written:
// duplicate selection sets for one profile pair collapse to the first.
func (c *AppConfig) normalize() {
	seen := make(map[[2]string]bool, len(c.ProxySelections))
	out := c.ProxySelections[:0]
	for _, set := range c.ProxySelections {
		key := [2]string{set.SubscriptionID, set.UserProfileID}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, set)
	}
	c.ProxySelections = out
}

// Profile finds a profile by kind and id.
func (c *AppConfig) Profile(kind ProfileKind, id string) (ProfileMeta, bool) {
	for _, p := range c.Profiles {
		if p.Kind == kind && p.ID == id {
			return p, true
		}
	}
	return ProfileMeta{}, false
}

// ProfileIndex returns the index of a profile by kind and id, or -1.
func (c *AppConfig) ProfileIndex(kind ProfileKind, id string) int {
	for i, p := range c.Profiles {
		if p.Kind == kind && p.ID == id {
			return i
		}
	}
	return -1
}

// ProfilesOfKind lists profiles of one kind in stored order.
func (c *AppConfig) ProfilesOfKind(kind ProfileKind) []ProfileMeta {
	var out []ProfileMeta
	for _, p := range c.Profiles {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// SelectionSet returns the selection set for the given profile pair,
// or nil.
func (c *AppConfig) SelectionSet(subscriptionID, userProfileID string) *ProxySelectionSet {
	for i := range c.ProxySelections {
		set := &c.ProxySelections[i]
		if set.SubscriptionID == subscriptionID && set.UserProfileID == userProfileID {
			return set
		}
	}
	return nil
}

// Clone returns a deep copy, so snapshots cannot alias store state.
func (c AppConfig) Clone() AppConfig {
	out := c
	out.Profiles = append([]ProfileMeta(nil), c.Profiles...)
	out.ProxySelections = make([]ProxySelectionSet, len(c.ProxySelections))
	for i, set := range c.ProxySelections {
		set.Selections = append([]ProxySelection(nil), set.Selections...)
		out.ProxySelections[i] = set
	}
	return out
}
