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

// Package profile manages subscription and user profile lifecycles:
// CRUD over app.json metadata, payload files under the config directory,
// remote fetches, and the recomposition that follows every change.
package profile

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/utils"
	logutils "github.com/camofy/camofy/lib/utils/log"
	"github.com/camofy/camofy/lib/weberr"
)

var log = logutils.NewPackageLogger(camofy.ComponentProfile)

// Fetch status values recorded on a subscription after each attempt.
const (
	FetchStatusOK             = "ok"
	FetchStatusRequestFailed  = "request_failed"
	FetchStatusBodyReadFailed = "body_read_failed"
	FetchStatusWriteFailed    = "write_failed"
)

// ErrNoActiveSubscription marks an auto-update cycle with nothing to do.
var ErrNoActiveSubscription = &trace.NotFoundError{Message: "no active subscription"}

// ConfigApplier recomposes the merged config and pushes it to the
// running engine. Implemented by core.Controller.
type ConfigApplier interface {
	ApplyConfig(ctx context.Context, reason events.ConfigChangeReason) (events.CoreReloadResult, error)
}

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	DataRoot string
	Store    *config.Store
	Applier  ConfigApplier
	// HTTPClient fetches subscription payloads. Optional.
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Service manages both profile kinds.
type Service struct {
	ServiceConfig
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.DataRoot == "" {
		return nil, trace.BadParameter("missing DataRoot")
	}
	if cfg.Store == nil {
		return nil, trace.BadParameter("missing Store")
	}
	if cfg.Applier == nil {
		return nil, trace.BadParameter("missing Applier")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaults.HTTPClientTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Service{ServiceConfig: cfg}, nil
}

// Subscription is the API view of a remote profile.
type Subscription struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	IsActive        bool   `json:"is_active"`
	LastFetchTime   string `json:"last_fetch_time,omitempty"`
	LastFetchStatus string `json:"last_fetch_status,omitempty"`
}

func toSubscription(cfg *config.AppConfig, p config.ProfileMeta) Subscription {
	return Subscription{
		ID:              p.ID,
		Name:            p.Name,
		URL:             p.URL,
		IsActive:        cfg.ActiveSubscriptionID == p.ID,
		LastFetchTime:   p.LastFetchTime,
		LastFetchStatus: p.LastFetchStatus,
	}
}

func (s *Service) subscriptionDir(id string) string {
	return filepath.Join(s.DataRoot, defaults.ConfigDirName, "subscriptions", id)
}

// ListSubscriptions returns every subscription in stored order.
func (s *Service) ListSubscriptions() []Subscription {
	cfg := s.Store.Snapshot()
	out := []Subscription{}
	for _, p := range cfg.ProfilesOfKind(config.ProfileRemote) {
		out = append(out, toSubscription(&cfg, p))
	}
	return out
}

// CreateSubscription registers a subscription without fetching it. The
// first subscription ever created becomes active.
func (s *Service) CreateSubscription(name, url string) (Subscription, error) {
	id := uuid.NewString()
	meta := config.ProfileMeta{
		ID:   id,
		Name: name,
		Kind: config.ProfileRemote,
		Path: "subscriptions/" + id + "/subscription.yaml",
		URL:  url,
	}
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		if cfg.ActiveSubscriptionID == "" {
			cfg.ActiveSubscriptionID = id
		}
		cfg.Profiles = append(cfg.Profiles, meta)
		return nil
	})
	if err != nil {
		return Subscription{}, trace.Wrap(err)
	}
	cfg := s.Store.Snapshot()
	log.Info("subscription created", "id", id, "name", name)
	return toSubscription(&cfg, meta), nil
}

// UpdateSubscription renames a subscription or changes its URL. The
// stored payload is kept until the next fetch.
func (s *Service) UpdateSubscription(id, name, url string) (Subscription, error) {
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		i := cfg.ProfileIndex(config.ProfileRemote, id)
		if i < 0 {
			return weberr.New(weberr.CodeSubscriptionNotFound, "subscription not found")
		}
		cfg.Profiles[i].Name = name
		cfg.Profiles[i].URL = url
		return nil
	})
	if err != nil {
		return Subscription{}, trace.Wrap(err)
	}
	cfg := s.Store.Snapshot()
	meta, _ := cfg.Profile(config.ProfileRemote, id)
	return toSubscription(&cfg, meta), nil
}

// DeleteSubscription removes a subscription and its payload directory.
// When the active subscription goes away the first remaining one takes
// its place.
func (s *Service) DeleteSubscription(id string) error {
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		i := cfg.ProfileIndex(config.ProfileRemote, id)
		if i < 0 {
			return weberr.New(weberr.CodeSubscriptionNotFound, "subscription not found")
		}
		cfg.Profiles = append(cfg.Profiles[:i], cfg.Profiles[i+1:]...)
		if cfg.ActiveSubscriptionID == id {
			cfg.ActiveSubscriptionID = ""
			if remaining := cfg.ProfilesOfKind(config.ProfileRemote); len(remaining) > 0 {
				cfg.ActiveSubscriptionID = remaining[0].ID
			}
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.RemoveAll(s.subscriptionDir(id)); err != nil {
		log.Warn("removing subscription directory failed", "id", id, "error", err)
	}
	log.Info("subscription deleted", "id", id)
	return nil
}

// ActivateSubscription switches the active subscription and recomposes.
func (s *Service) ActivateSubscription(ctx context.Context, id string) error {
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		if _, ok := cfg.Profile(config.ProfileRemote, id); !ok {
			return weberr.New(weberr.CodeSubscriptionNotFound, "subscription not found")
		}
		cfg.ActiveSubscriptionID = id
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Applier.ApplyConfig(ctx, events.ReasonSubscriptionActivated)
	return trace.Wrap(err)
}

// FetchSubscription downloads a subscription's payload, records the
// outcome on its metadata, and on success recomposes the merged config.
func (s *Service) FetchSubscription(ctx context.Context, id string) error {
	cfg := s.Store.Snapshot()
	meta, ok := cfg.Profile(config.ProfileRemote, id)
	if !ok {
		return weberr.New(weberr.CodeSubscriptionNotFound, "subscription not found")
	}
	if meta.URL == "" {
		return weberr.New(weberr.CodeSubscriptionURLMissing, "subscription url is missing")
	}

	body, fetchStatus, err := s.fetchPayload(ctx, meta.URL)
	if err != nil {
		s.recordFetch(id, fetchStatus, "")
		return weberr.WithCode(weberr.CodeSubscriptionFetchFailed, err)
	}

	dir := s.subscriptionDir(id)
	if err := utils.EnsureDir(dir); err != nil {
		s.recordFetch(id, FetchStatusWriteFailed, "")
		return weberr.WithCode(weberr.CodeSubscriptionSaveFailed, err)
	}
	if err := utils.AtomicWriteFile(meta.AbsolutePath(s.DataRoot), body, 0o644); err != nil {
		s.recordFetch(id, FetchStatusWriteFailed, "")
		return weberr.WithCode(weberr.CodeSubscriptionSaveFailed, err)
	}

	s.recordFetch(id, FetchStatusOK, utils.TimestampString(s.Clock.Now()))
	log.Info("subscription fetched", "id", id, "bytes", len(body))

	_, err = s.Applier.ApplyConfig(ctx, events.ReasonSubscriptionFetched)
	return trace.Wrap(err)
}

func (s *Service) fetchPayload(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, FetchStatusRequestFailed, trace.Wrap(err)
	}
	req.Header.Set("User-Agent", defaults.HTTPUserAgent)
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, FetchStatusRequestFailed, trace.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, FetchStatusRequestFailed, trace.BadParameter("request failed with status %v", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, FetchStatusBodyReadFailed, trace.Wrap(err, "failed to read response body")
	}
	return body, FetchStatusOK, nil
}

// recordFetch stamps fetch bookkeeping; a failed stamp only logs, the
// fetch outcome itself matters more.
func (s *Service) recordFetch(id, status, fetchTime string) {
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		i := cfg.ProfileIndex(config.ProfileRemote, id)
		if i < 0 {
			return nil
		}
		cfg.Profiles[i].LastFetchStatus = status
		if fetchTime != "" {
			cfg.Profiles[i].LastFetchTime = fetchTime
		}
		return nil
	})
	if err != nil {
		log.Warn("recording fetch status failed", "id", id, "error", err)
	}
}

// AutoUpdateActiveSubscription fetches the active subscription, for the
// scheduler. Returns ErrNoActiveSubscription when none is configured.
func (s *Service) AutoUpdateActiveSubscription(ctx context.Context) error {
	activeID := s.Store.Snapshot().ActiveSubscriptionID
	if activeID == "" {
		return trace.Wrap(ErrNoActiveSubscription)
	}
	return trace.Wrap(s.FetchSubscription(ctx, activeID))
}
