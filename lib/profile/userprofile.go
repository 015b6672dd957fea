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

package profile

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/utils"
	"github.com/camofy/camofy/lib/weberr"
)

// emptyProfilePlaceholder is written when a user profile is created or
// saved with no content, so the file always exists and parses.
const emptyProfilePlaceholder = "# empty user profile\n"

// UserProfileSummary is the list view of a user profile.
type UserProfileSummary struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	IsActive         bool   `json:"is_active"`
	LastModifiedTime string `json:"last_modified_time,omitempty"`
}

// UserProfileDetail adds the payload to the summary.
type UserProfileDetail struct {
	UserProfileSummary
	Content string `json:"content"`
}

func toUserProfileSummary(cfg *config.AppConfig, p config.ProfileMeta) UserProfileSummary {
	return UserProfileSummary{
		ID:               p.ID,
		Name:             p.Name,
		IsActive:         cfg.ActiveUserProfileID == p.ID,
		LastModifiedTime: p.LastModifiedTime,
	}
}

// normalizeProfileContent validates content as YAML, substituting the
// placeholder for empty input.
func normalizeProfileContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return emptyProfilePlaceholder, nil
	}
	var doc any
	if err := yaml.Unmarshal([]byte(trimmed), &doc); err != nil {
		return "", weberr.New(weberr.CodeUserProfileInvalidYAML, "invalid user profile yaml: %v", err)
	}
	return content, nil
}

// ListUserProfiles returns every user profile in stored order.
func (s *Service) ListUserProfiles() []UserProfileSummary {
	cfg := s.Store.Snapshot()
	out := []UserProfileSummary{}
	for _, p := range cfg.ProfilesOfKind(config.ProfileUser) {
		out = append(out, toUserProfileSummary(&cfg, p))
	}
	return out
}

// GetUserProfile returns one user profile with its payload.
func (s *Service) GetUserProfile(id string) (UserProfileDetail, error) {
	cfg := s.Store.Snapshot()
	meta, ok := cfg.Profile(config.ProfileUser, id)
	if !ok {
		return UserProfileDetail{}, weberr.New(weberr.CodeUserProfileNotFound, "user profile not found")
	}
	content, err := os.ReadFile(meta.AbsolutePath(s.DataRoot))
	if err != nil {
		return UserProfileDetail{}, weberr.WithCode(weberr.CodeUserProfileReadFailed,
			trace.Wrap(err, "reading user profile file"))
	}
	return UserProfileDetail{
		UserProfileSummary: toUserProfileSummary(&cfg, meta),
		Content:            string(content),
	}, nil
}

// CreateUserProfile validates and stores a new user profile. The first
// user profile ever created becomes active.
func (s *Service) CreateUserProfile(name, content string) (UserProfileSummary, error) {
	payload, err := normalizeProfileContent(content)
	if err != nil {
		return UserProfileSummary{}, trace.Wrap(err)
	}

	id := uuid.NewString()
	meta := config.ProfileMeta{
		ID:               id,
		Name:             name,
		Kind:             config.ProfileUser,
		Path:             "user-profiles/" + id + ".yaml",
		LastModifiedTime: utils.TimestampString(s.Clock.Now()),
	}
	err = s.Store.Mutate(func(cfg *config.AppConfig) error {
		if cfg.ActiveUserProfileID == "" {
			cfg.ActiveUserProfileID = id
		}
		cfg.Profiles = append(cfg.Profiles, meta)
		return nil
	})
	if err != nil {
		return UserProfileSummary{}, trace.Wrap(err)
	}

	if err := s.writeUserProfile(meta, payload); err != nil {
		return UserProfileSummary{}, trace.Wrap(err)
	}
	cfg := s.Store.Snapshot()
	log.Info("user profile created", "id", id, "name", name)
	return toUserProfileSummary(&cfg, meta), nil
}

// UpdateUserProfile validates and saves new content, then recomposes.
func (s *Service) UpdateUserProfile(ctx context.Context, id, name, content string) (UserProfileDetail, error) {
	payload, err := normalizeProfileContent(content)
	if err != nil {
		return UserProfileDetail{}, trace.Wrap(err)
	}

	var meta config.ProfileMeta
	err = s.Store.Mutate(func(cfg *config.AppConfig) error {
		i := cfg.ProfileIndex(config.ProfileUser, id)
		if i < 0 {
			return weberr.New(weberr.CodeUserProfileNotFound, "user profile not found")
		}
		cfg.Profiles[i].Name = name
		cfg.Profiles[i].LastModifiedTime = utils.TimestampString(s.Clock.Now())
		meta = cfg.Profiles[i]
		return nil
	})
	if err != nil {
		return UserProfileDetail{}, trace.Wrap(err)
	}

	if err := s.writeUserProfile(meta, payload); err != nil {
		return UserProfileDetail{}, trace.Wrap(err)
	}
	if _, err := s.Applier.ApplyConfig(ctx, events.ReasonUserProfileUpdated); err != nil {
		return UserProfileDetail{}, trace.Wrap(err)
	}

	cfg := s.Store.Snapshot()
	return UserProfileDetail{
		UserProfileSummary: toUserProfileSummary(&cfg, meta),
		Content:            payload,
	}, nil
}

// DeleteUserProfile removes a user profile and its payload file. An
// active profile being deleted leaves no user profile active.
func (s *Service) DeleteUserProfile(id string) error {
	var path string
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		i := cfg.ProfileIndex(config.ProfileUser, id)
		if i < 0 {
			return weberr.New(weberr.CodeUserProfileNotFound, "user profile not found")
		}
		path = cfg.Profiles[i].AbsolutePath(s.DataRoot)
		cfg.Profiles = append(cfg.Profiles[:i], cfg.Profiles[i+1:]...)
		if cfg.ActiveUserProfileID == id {
			cfg.ActiveUserProfileID = ""
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("removing user profile file failed", "id", id, "error", err)
	}
	log.Info("user profile deleted", "id", id)
	return nil
}

// ActivateUserProfile switches the active user profile and recomposes.
func (s *Service) ActivateUserProfile(ctx context.Context, id string) error {
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		if _, ok := cfg.Profile(config.ProfileUser, id); !ok {
			return weberr.New(weberr.CodeUserProfileNotFound, "user profile not found")
		}
		cfg.ActiveUserProfileID = id
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Applier.ApplyConfig(ctx, events.ReasonUserProfileActivated)
	return trace.Wrap(err)
}

// UserProfilesDir is the directory watched for out-of-band edits.
func (s *Service) UserProfilesDir() string {
	return filepath.Join(s.DataRoot, defaults.ConfigDirName, "user-profiles")
}

func (s *Service) writeUserProfile(meta config.ProfileMeta, payload string) error {
	path := meta.AbsolutePath(s.DataRoot)
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return weberr.WithCode(weberr.CodeUserProfileWriteFailed, err)
	}
	if err := utils.AtomicWriteFile(path, []byte(payload), 0o644); err != nil {
		return weberr.WithCode(weberr.CodeUserProfileWriteFailed, err)
	}
	return nil
}
