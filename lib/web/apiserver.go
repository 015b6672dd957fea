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

// Package web implements the management API: REST endpoints under /api
// and the websocket event stream. Responses always use the
// {code, message, data} envelope with HTTP 200; the code is the
// machine-readable outcome.
package web

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/core"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/httplib"
	"github.com/camofy/camofy/lib/profile"
	logutils "github.com/camofy/camofy/lib/utils/log"
	"github.com/camofy/camofy/lib/weberr"
)

var log = logutils.NewPackageLogger(camofy.ComponentWeb)

// HandlerConfig holds the dependencies of the API handler.
type HandlerConfig struct {
	Store      *config.Store
	Controller *core.Controller
	Profiles   *profile.Service
	Bus        *events.Bus
	Clock      clockwork.Clock
}

// Handler serves the management API.
type Handler struct {
	HandlerConfig

	router   *httprouter.Router
	sessions *sessionManager
}

// NewHandler validates cfg, registers all routes and returns a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Store == nil {
		return nil, trace.BadParameter("missing Store")
	}
	if cfg.Controller == nil {
		return nil, trace.BadParameter("missing Controller")
	}
	if cfg.Profiles == nil {
		return nil, trace.BadParameter("missing Profiles")
	}
	if cfg.Bus == nil {
		return nil, trace.BadParameter("missing Bus")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	h := &Handler{
		HandlerConfig: cfg,
		router:        httprouter.New(),
		sessions:      newSessionManager(cfg.Clock, defaults.SessionTTL),
	}

	h.GET("/api/health", h.health)
	h.POST("/api/auth/login", h.login)

	h.GET("/api/settings", h.getSettings)
	h.PUT("/api/settings", h.updateSettings)

	h.GET("/api/subscriptions", h.listSubscriptions)
	h.POST("/api/subscriptions", h.createSubscription)
	h.PUT("/api/subscriptions/:id", h.updateSubscription)
	h.DELETE("/api/subscriptions/:id", h.deleteSubscription)
	h.POST("/api/subscriptions/:id/activate", h.activateSubscription)
	h.POST("/api/subscriptions/:id/fetch", h.fetchSubscription)

	h.GET("/api/user-profiles", h.listUserProfiles)
	h.POST("/api/user-profiles", h.createUserProfile)
	h.GET("/api/user-profiles/:id", h.getUserProfile)
	h.PUT("/api/user-profiles/:id", h.updateUserProfile)
	h.DELETE("/api/user-profiles/:id", h.deleteUserProfile)
	h.POST("/api/user-profiles/:id/activate", h.activateUserProfile)

	h.GET("/api/core", h.coreInfo)
	h.GET("/api/core/status", h.coreStatus)
	h.POST("/api/core/download", h.coreDownload)
	h.POST("/api/core/start", h.coreStart)
	h.POST("/api/core/stop", h.coreStop)
	h.POST("/api/core/restart", h.coreRestart)

	h.GET("/api/config/merged", h.mergedConfig)

	h.GET("/api/logs/app", h.appLog)
	h.GET("/api/logs/mihomo", h.engineLog)

	h.GET("/api/mihomo/proxies", h.proxies)
	h.POST("/api/mihomo/proxies/:group/select", h.selectProxy)
	h.POST("/api/mihomo/proxies/:group/delay", h.groupDelay)
	h.POST("/api/mihomo/proxies/:group/delay/:node", h.nodeDelay)

	h.GET("/api/events/ws", h.eventsWS)

	h.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.WriteEnvelope(w, &httplib.Response{
			Code:    weberr.CodeNotFound,
			Message: "not found",
		})
	})

	return h, nil
}

// GET registers an enveloped GET handler.
func (h *Handler) GET(path string, fn httplib.HandlerFunc) {
	h.router.GET(path, httplib.MakeHandler(fn))
}

// POST registers an enveloped POST handler.
func (h *Handler) POST(path string, fn httplib.HandlerFunc) {
	h.router.POST(path, httplib.MakeHandler(fn))
}

// PUT registers an enveloped PUT handler.
func (h *Handler) PUT(path string, fn httplib.HandlerFunc) {
	h.router.PUT(path, httplib.MakeHandler(fn))
}

// DELETE registers an enveloped DELETE handler.
func (h *Handler) DELETE(path string, fn httplib.HandlerFunc) {
	h.router.DELETE(path, httplib.MakeHandler(fn))
}

// publicPaths need no token even when a panel password is set.
var publicPaths = map[string]bool{
	"/api/health":     true,
	"/api/auth/login": true,
}

// ServeHTTP gates every request on authentication before routing. There
// is no UI to serve; anything outside /api is a plain 404.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}
	if !h.authorized(r) {
		httplib.WriteEnvelope(w, &httplib.Response{
			Code:    weberr.CodeUnauthorized,
			Message: "authentication required",
		})
		return
	}
	h.router.ServeHTTP(w, r)
}

// authorized checks the request token. With no panel password set the
// whole API is open.
func (h *Handler) authorized(r *http.Request) bool {
	if publicPaths[r.URL.Path] {
		return true
	}
	if h.Store.Snapshot().PanelPasswordHash == "" {
		return true
	}
	token := r.Header.Get("X-Auth-Token")
	if token == "" {
		// Browsers cannot set headers on websocket requests.
		token = r.URL.Query().Get("token")
	}
	return h.sessions.validate(token)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]any{
		"status":  "ok",
		"version": camofy.Version,
	}, nil
}
