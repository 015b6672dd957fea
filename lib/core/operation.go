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
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/utils"
)

// operationTracker keeps the state of the current or most recent
// asynchronous core operation and broadcasts every transition.
type operationTracker struct {
	mu    sync.Mutex
	state *events.CoreOperationState
	bus   *events.Bus
	clock clockwork.Clock
}

func newOperationTracker(bus *events.Bus, clock clockwork.Clock) *operationTracker {
	return &operationTracker{bus: bus, clock: clock}
}

// snapshot returns a copy of the current state, or nil when no operation
// has run yet.
func (t *operationTracker) snapshot() *events.CoreOperationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil
	}
	out := *t.state
	return &out
}

// running reports whether an operation is currently pending or running.
func (t *operationTracker) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return false
	}
	return t.state.Status == events.OpStatusPending || t.state.Status == events.OpStatusRunning
}

// update applies a transition. An update for the same kind as the
// current state merges into it; a new kind replaces the state wholesale.
// Entering running without a finish time restarts the started_at clock,
// and a terminal status stamps finished_at.
func (t *operationTracker) update(next events.CoreOperationState) {
	now := utils.TimestampString(t.clock.Now())

	t.mu.Lock()
	if t.state == nil || t.state.Kind != next.Kind {
		if next.StartedAt == "" {
			next.StartedAt = now
		}
		t.state = &next
	} else {
		t.state.Status = next.Status
		if next.Message != "" {
			t.state.Message = next.Message
		}
		if next.Progress != nil {
			t.state.Progress = next.Progress
		}
		// Same kind running again after finishing is a new run.
		if next.Status == events.OpStatusRunning && t.state.FinishedAt != "" {
			t.state.StartedAt = now
			t.state.Progress = next.Progress
		}
	}
	if t.state.StartedAt == "" {
		t.state.StartedAt = now
	}
	switch t.state.Status {
	case events.OpStatusSucceeded, events.OpStatusFailed:
		t.state.FinishedAt = now
	default:
		t.state.FinishedAt = ""
	}
	snapshot := *t.state
	t.mu.Unlock()

	t.bus.Broadcast(events.CoreOperationUpdated{State: snapshot})
}

// begin marks the start of a new operation of the given kind. It
// returns false without touching the state when another operation is
// still pending or running; the check and the transition happen under
// one lock so two concurrent begins can never both win.
func (t *operationTracker) begin(kind string) bool {
	now := utils.TimestampString(t.clock.Now())

	t.mu.Lock()
	if t.state != nil &&
		(t.state.Status == events.OpStatusPending || t.state.Status == events.OpStatusRunning) {
		t.mu.Unlock()
		return false
	}
	t.state = &events.CoreOperationState{
		Kind:      kind,
		Status:    events.OpStatusRunning,
		StartedAt: now,
	}
	snapshot := *t.state
	t.mu.Unlock()

	t.bus.Broadcast(events.CoreOperationUpdated{State: snapshot})
	return true
}

// finish stamps the terminal status for the current operation.
func (t *operationTracker) finish(kind string, err error) {
	if err != nil {
		t.update(events.CoreOperationState{
			Kind:    kind,
			Status:  events.OpStatusFailed,
			Message: err.Error(),
		})
		return
	}
	t.update(events.CoreOperationState{Kind: kind, Status: events.OpStatusSucceeded})
}

// progress reports fractional completion of the current operation.
func (t *operationTracker) progress(kind string, fraction float64, message string) {
	p := fraction
	t.update(events.CoreOperationState{
		Kind:     kind,
		Status:   events.OpStatusRunning,
		Message:  message,
		Progress: &p,
	})
}
