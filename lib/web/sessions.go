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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// sessionManager issues and validates login tokens. Tokens live in
// memory only; a daemon restart logs everyone out, which is acceptable
// on a router.
type sessionManager struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]time.Time
}

func newSessionManager(clock clockwork.Clock, ttl time.Duration) *sessionManager {
	return &sessionManager{
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[string]time.Time),
	}
}

// create issues a fresh token and returns it with its expiry.
func (m *sessionManager) create() (string, time.Time) {
	token := uuid.NewString()
	expires := m.clock.Now().Add(m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	m.sessions[token] = expires
	return token, expires
}

// validate reports whether token belongs to a live session.
func (m *sessionManager) validate(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	expires, ok := m.sessions[token]
	return ok && m.clock.Now().Before(expires)
}

// clear revokes every session, used when the panel password changes.
func (m *sessionManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]time.Time)
}

// prune drops expired sessions. Callers hold mu.
func (m *sessionManager) prune() {
	now := m.clock.Now()
	for token, expires := range m.sessions {
		if !now.Before(expires) {
			delete(m.sessions, token)
		}
	}
}
