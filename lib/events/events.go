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

// Package events defines the application event vocabulary pushed to
// websocket clients, and the in-process bus that fans events out.
package events

import (
	"encoding/json"
	"sort"

	"github.com/gravitational/trace"
)

// Event type tags on the wire.
const (
	TypeConfigApplied        = "config_applied"
	TypeCoreStatusChanged    = "core_status_changed"
	TypeCoreOperationUpdated = "core_operation_updated"
	TypeEngineLogChunk       = "mihomo_log_chunk"
)

// ConfigChangeReason says what triggered a merged config regeneration.
type ConfigChangeReason string

const (
	ReasonSubscriptionFetched   ConfigChangeReason = "subscription_fetched"
	ReasonSubscriptionActivated ConfigChangeReason = "subscription_activated"
	ReasonUserProfileUpdated    ConfigChangeReason = "user_profile_updated"
	ReasonUserProfileActivated  ConfigChangeReason = "user_profile_activated"
	ReasonCoreStarting          ConfigChangeReason = "core_starting"
	ReasonManual                ConfigChangeReason = "manual"
)

// Reload outcomes carried by ConfigApplied.
const (
	ReloadNotRunning = "not_running"
	ReloadOK         = "reloaded"
	ReloadFailed     = "reload_failed"
)

// CoreReloadResult says whether a freshly composed config reached the
// running engine.
type CoreReloadResult struct {
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// Operation kinds and statuses for CoreOperationState.
const (
	OpDownload = "download"
	OpStart    = "start"
	OpStop     = "stop"
	OpRestart  = "restart"

	OpStatusPending   = "pending"
	OpStatusRunning   = "running"
	OpStatusSucceeded = "succeeded"
	OpStatusFailed    = "failed"
)

// CoreOperationState is the progress snapshot of the current or most
// recent asynchronous core operation. Times are unix seconds in decimal.
type CoreOperationState struct {
	Kind       string   `json:"kind"`
	Status     string   `json:"status"`
	Message    string   `json:"message,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at,omitempty"`
}

// Event is one application event. Encode renders it with its type tag
// merged into the payload object.
type Event interface {
	EventType() string
}

// ConfigApplied reports a merged config regeneration and whether the
// running engine picked it up.
type ConfigApplied struct {
	Reason     ConfigChangeReason `json:"reason"`
	CoreReload CoreReloadResult   `json:"core_reload"`
	Timestamp  string             `json:"timestamp"`
}

func (ConfigApplied) EventType() string { return TypeConfigApplied }

// CoreStatusChanged reports the engine process coming up or going down.
type CoreStatusChanged struct {
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (CoreStatusChanged) EventType() string { return TypeCoreStatusChanged }

// CoreOperationUpdated reports progress of an asynchronous core
// operation.
type CoreOperationUpdated struct {
	State CoreOperationState `json:"state"`
}

func (CoreOperationUpdated) EventType() string { return TypeCoreOperationUpdated }

// EngineLogChunk carries a chunk of the engine's captured output.
type EngineLogChunk struct {
	Stream    string `json:"stream"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
}

func (EngineLogChunk) EventType() string { return TypeEngineLogChunk }

// Encode renders ev as a JSON object with a "type" field holding the
// event's tag next to the event's own fields.
func Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, trace.BadParameter("event %q does not encode to an object", ev.EventType())
	}
	tag, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fields["type"] = tag

	// Deterministic key order keeps the frames diffable in tests and logs.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "type" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	keys = append([]string{"type"}, keys...)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, name...)
		out = append(out, ':')
		out = append(out, fields[k]...)
	}
	out = append(out, '}')
	return out, nil
}
