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

package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"

	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/httplib"
	"github.com/camofy/camofy/lib/weberr"
)

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	hash := h.Store.Snapshot().PanelPasswordHash
	if hash == "" {
		return nil, weberr.New(weberr.CodeAuthPasswordNotSet, "no panel password is set")
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, weberr.New(weberr.CodeAuthInvalidPassword, "invalid password")
		}
		// The stored hash itself is unusable. Clear it so the panel is
		// not locked out forever; the user sets a fresh password next.
		log.Warn("stored panel password hash is corrupt, clearing it", "error", err)
		if err := h.Store.Mutate(func(cfg *config.AppConfig) error {
			cfg.PanelPasswordHash = ""
			return nil
		}); err != nil {
			log.Warn("clearing corrupt password hash failed", "error", err)
		}
		return nil, weberr.New(weberr.CodeAuthInvalidPasswordStore,
			"stored password is invalid, set a new password")
	}

	token, expires := h.sessions.create()
	log.Info("panel login succeeded")
	return httplib.OK("login success", loginResponse{
		Token:     token,
		ExpiresAt: expires.Unix(),
	}), nil
}

// settingsResponse is the GET /api/settings view. The password itself
// never leaves the daemon, only whether one is set.
type settingsResponse struct {
	PasswordSet        bool                       `json:"password_set"`
	SubscriptionUpdate config.ScheduledTaskConfig `json:"subscription_auto_update"`
	GeoIPUpdate        config.ScheduledTaskConfig `json:"geoip_auto_update"`
}

type updateSettingsRequest struct {
	Password           *string                     `json:"password"`
	SubscriptionUpdate *config.ScheduledTaskConfig `json:"subscription_auto_update"`
	GeoIPUpdate        *config.ScheduledTaskConfig `json:"geoip_auto_update"`
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	cfg := h.Store.Snapshot()
	return settingsResponse{
		PasswordSet:        cfg.PanelPasswordHash != "",
		SubscriptionUpdate: cfg.SubscriptionUpdate,
		GeoIPUpdate:        cfg.GeoIPUpdate,
	}, nil
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req updateSettingsRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	// Hash before taking the store lock; bcrypt is deliberately slow.
	var hash string
	if req.Password != nil {
		if strings.TrimSpace(*req.Password) == "" {
			return nil, weberr.New(weberr.CodeSettingsInvalidPassword,
				"password must not be empty")
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, weberr.WithCode(weberr.CodeSettingsHashFailed, err)
		}
		hash = string(hashed)
	}

	err := h.Store.Mutate(func(cfg *config.AppConfig) error {
		if hash != "" {
			cfg.PanelPasswordHash = hash
		}
		if req.SubscriptionUpdate != nil {
			applyTaskConfig(&cfg.SubscriptionUpdate, *req.SubscriptionUpdate)
		}
		if req.GeoIPUpdate != nil {
			applyTaskConfig(&cfg.GeoIPUpdate, *req.GeoIPUpdate)
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if hash != "" {
		// Old tokens die with the old password.
		h.sessions.clear()
		log.Info("panel password updated, sessions revoked")
	}

	cfg := h.Store.Snapshot()
	return httplib.OK("settings_updated", settingsResponse{
		PasswordSet:        cfg.PanelPasswordHash != "",
		SubscriptionUpdate: cfg.SubscriptionUpdate,
		GeoIPUpdate:        cfg.GeoIPUpdate,
	}), nil
}

// applyTaskConfig overwrites the schedule while keeping the last-run
// bookkeeping the scheduler maintains.
func applyTaskConfig(dst *config.ScheduledTaskConfig, src config.ScheduledTaskConfig) {
	dst.Cron = src.Cron
	dst.Enabled = src.Enabled
}
