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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camofy/camofy/lib/compose"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/core"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/profile"
	"github.com/camofy/camofy/lib/selection"
	"github.com/camofy/camofy/lib/weberr"
)

type testEnv struct {
	handler *Handler
	server  *httptest.Server
	store   *config.Store
	bus     *events.Bus
	clock   clockwork.FakeClock
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	store, err := config.NewStore(dataDir)
	require.NoError(t, err)
	bus := events.NewBus()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))

	controller, err := core.NewController(core.Config{
		DataRoot:   dataDir,
		Store:      store,
		Bus:        bus,
		Composer:   compose.NewComposer(dataDir),
		Selections: selection.NewMemory(store),
		SocketPath: filepath.Join(dataDir, "engine.sock"),
		Clock:      clock,
	})
	require.NoError(t, err)

	profiles, err := profile.NewService(profile.ServiceConfig{
		DataRoot: dataDir,
		Store:    store,
		Applier:  controller,
		Clock:    clock,
	})
	require.NoError(t, err)

	handler, err := NewHandler(HandlerConfig{
		Store:      store,
		Controller: controller,
		Profiles:   profiles,
		Bus:        bus,
		Clock:      clock,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnv{
		handler: handler,
		server:  server,
		store:   store,
		bus:     bus,
		clock:   clock,
		dataDir: dataDir,
	}
}

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) envelope {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, weberr.CodeOK, resp.Code)
	assert.Contains(t, string(resp.Data), `"status":"ok"`)
}

func TestOutsideAPIIs404(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.server.Client().Get(env.server.URL + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownAPIRouteGetsEnvelope(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, weberr.CodeNotFound, resp.Code)
}

func TestLoginWithoutPasswordSet(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "x"})
	assert.Equal(t, weberr.CodeAuthPasswordNotSet, resp.Code)
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	// Without a password the API is open.
	resp := env.do(t, http.MethodGet, "/api/settings", "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	assert.Contains(t, string(resp.Data), `"password_set":false`)

	resp = env.do(t, http.MethodPut, "/api/settings", "", map[string]string{"password": "hunter2"})
	require.Equal(t, weberr.CodeOK, resp.Code)
	assert.Equal(t, "settings_updated", resp.Message)

	// Now the API demands a token.
	resp = env.do(t, http.MethodGet, "/api/settings", "", nil)
	assert.Equal(t, weberr.CodeUnauthorized, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "wrong"})
	assert.Equal(t, weberr.CodeAuthInvalidPassword, resp.Code)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "hunter2"})
	require.Equal(t, weberr.CodeOK, resp.Code)
	assert.Equal(t, "login success", resp.Message)

	var login loginResponse
	require.NoError(t, json.Unmarshal(resp.Data, &login))
	require.NotEmpty(t, login.Token)
	assert.Equal(t, env.clock.Now().Add(defaults.SessionTTL).Unix(), login.ExpiresAt)

	resp = env.do(t, http.MethodGet, "/api/settings", login.Token, nil)
	assert.Equal(t, weberr.CodeOK, resp.Code)

	// Token in the query string works for websocket-style clients.
	httpResp, err := env.server.Client().Get(env.server.URL + "/api/settings?token=" + login.Token)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	var env2 envelope
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&env2))
	assert.Equal(t, weberr.CodeOK, env2.Code)

	// Sessions expire.
	env.clock.Advance(defaults.SessionTTL + time.Minute)
	resp = env.do(t, http.MethodGet, "/api/settings", login.Token, nil)
	assert.Equal(t, weberr.CodeUnauthorized, resp.Code)
}

func TestUpdateSettingsRejectsBlankPassword(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPut, "/api/settings", "", map[string]string{"password": "   "})
	assert.Equal(t, weberr.CodeSettingsInvalidPassword, resp.Code)
}

func TestPasswordChangeRevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/api/settings", "", map[string]string{"password": "first"})

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "first"})
	require.Equal(t, weberr.CodeOK, resp.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(resp.Data, &login))

	resp = env.do(t, http.MethodPut, "/api/settings", login.Token, map[string]string{"password": "second"})
	require.Equal(t, weberr.CodeOK, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/settings", login.Token, nil)
	assert.Equal(t, weberr.CodeUnauthorized, resp.Code)
}

func TestUpdateSettingsSchedules(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPut, "/api/settings", "", map[string]any{
		"subscription_auto_update": map[string]any{"cron": "30 4 * * *", "enabled": false},
	})
	require.Equal(t, weberr.CodeOK, resp.Code)

	cfg := env.store.Snapshot()
	assert.Equal(t, "30 4 * * *", cfg.SubscriptionUpdate.Cron)
	assert.False(t, cfg.SubscriptionUpdate.Enabled)
	// The other task keeps its defaults.
	assert.True(t, cfg.GeoIPUpdate.Enabled)
}

func TestSubscriptionLifecycleOverAPI(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/subscriptions", "", map[string]string{
		"name": "Primary",
		"url":  "https://example.com/sub",
	})
	require.Equal(t, weberr.CodeOK, resp.Code)
	assert.Equal(t, "created", resp.Message)

	var created profile.Subscription
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.True(t, created.IsActive)

	resp = env.do(t, http.MethodPut, "/api/subscriptions/"+created.ID, "", map[string]string{
		"name": "Renamed",
		"url":  "https://example.com/sub2",
	})
	require.Equal(t, weberr.CodeOK, resp.Code)

	resp = env.do(t, http.MethodGet, "/api/subscriptions", "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	var list struct {
		Subscriptions []profile.Subscription `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list.Subscriptions, 1)
	assert.Equal(t, "Renamed", list.Subscriptions[0].Name)

	resp = env.do(t, http.MethodDelete, "/api/subscriptions/"+created.ID, "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	assert.Equal(t, "deleted", resp.Message)

	resp = env.do(t, http.MethodDelete, "/api/subscriptions/"+created.ID, "", nil)
	assert.Equal(t, weberr.CodeSubscriptionNotFound, resp.Code)
}

func TestUserProfileLifecycleOverAPI(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/user-profiles", "", map[string]string{
		"name":    "Overrides",
		"content": "mixed-port: 8888\n",
	})
	require.Equal(t, weberr.CodeOK, resp.Code)
	var created profile.UserProfileSummary
	require.NoError(t, json.Unmarshal(resp.Data, &created))

	resp = env.do(t, http.MethodGet, "/api/user-profiles/"+created.ID, "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	var detail profile.UserProfileDetail
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, "mixed-port: 8888\n", detail.Content)

	resp = env.do(t, http.MethodPost, "/api/user-profiles", "", map[string]string{
		"name":    "Broken",
		"content": "a: [b",
	})
	assert.Equal(t, weberr.CodeUserProfileInvalidYAML, resp.Code)
}

func TestCoreStatusAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/core/status", "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	assert.Contains(t, string(resp.Data), `"running":false`)

	resp = env.do(t, http.MethodGet, "/api/core", "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	var info coreInfoResponse
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.False(t, info.Installed)
	assert.NotEmpty(t, info.RecommendedArch)
}

func TestCoreStartWithoutBinary(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/core/start", "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	assert.Contains(t, string(resp.Data), `"operation":"start"`)

	// The async operation settles in failure: no binary installed.
	require.Eventually(t, func() bool {
		op := env.handler.Controller.Operation()
		return op != nil && op.Status == events.OpStatusFailed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMergedConfigEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/config/merged", "", nil)
	assert.Equal(t, weberr.CodeMergedConfigNotFound, resp.Code)

	_, err := env.handler.Controller.ApplyConfig(context.Background(), events.ReasonManual)
	require.NoError(t, err)

	resp = env.do(t, http.MethodGet, "/api/config/merged", "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	var data struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Contains(t, data.Content, "external-controller-unix")
}

func TestLogEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/logs/app", "", nil)
	assert.Equal(t, weberr.CodeLogNotFound, resp.Code)

	logDir := filepath.Join(env.dataDir, defaults.LogDirName)
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	content := strings.Repeat("line\n", 3) + "last\n"
	require.NoError(t, os.WriteFile(filepath.Join(logDir, defaults.AppLogName), []byte(content), 0o644))

	resp = env.do(t, http.MethodGet, "/api/logs/app", "", nil)
	require.Equal(t, weberr.CodeOK, resp.Code)
	var data struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Lines, 4)
	assert.Equal(t, "last", data.Lines[3])
}

func TestSelectProxyRequiresName(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/mihomo/proxies/Auto/select", "", map[string]string{"name": ""})
	assert.Equal(t, weberr.CodeMihomoInvalidProxyName, resp.Code)
}

func TestGroupDelayRequiresRunningCore(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/mihomo/proxies/Auto/delay", "", nil)
	assert.Equal(t, weberr.CodeCoreNotRunning, resp.Code)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/events/ws"
	conn, httpResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if httpResp != nil {
		httpResp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Status snapshot arrives first.
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(frame, &snapshot))
	assert.Equal(t, "core_status_changed", snapshot["type"])
	assert.Equal(t, false, snapshot["running"])

	env.bus.Broadcast(events.EngineLogChunk{
		Stream:    "stdout",
		Chunk:     "engine says hi",
		Timestamp: "1700000000",
	})

	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	var chunk map[string]any
	require.NoError(t, json.Unmarshal(frame, &chunk))
	assert.Equal(t, "mihomo_log_chunk", chunk["type"])
	assert.Equal(t, "engine says hi", chunk["chunk"])
}

func TestEventStreamRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/api/settings", "", map[string]string{"password": "secret"})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/events/ws"
	conn, httpResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if httpResp != nil {
		httpResp.Body.Close()
	}
	// The handler answers with the envelope instead of an upgrade, which
	// the dialer reports as a bad handshake.
	require.Error(t, err)
	require.Nil(t, conn)

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "secret"})
	require.Equal(t, weberr.CodeOK, resp.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(resp.Data, &login))

	conn, httpResp, err = websocket.DefaultDialer.Dial(wsURL+"?token="+login.Token, nil)
	require.NoError(t, err)
	if httpResp != nil {
		httpResp.Body.Close()
	}
	conn.Close()
}
