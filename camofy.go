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

// Package camofy holds identity constants shared by every other package:
// the daemon version and the component names used to tag log lines.
package camofy

// Version is the daemon version reported by /api/health.
const Version = "1.0.0"

// ComponentKey is the attribute key used to tag log lines with the
// component emitting them.
const ComponentKey = "component"

// Component names for the package loggers.
const (
	// ComponentProcess is the top level process supervisor.
	ComponentProcess = "camofy:service"

	// ComponentWeb is the HTTP API and websocket surface.
	ComponentWeb = "camofy:web"

	// ComponentCore is the engine lifecycle controller.
	ComponentCore = "camofy:core"

	// ComponentEngine is the unix socket RPC client.
	ComponentEngine = "camofy:engine"

	// ComponentCompose is the merged config generator.
	ComponentCompose = "camofy:compose"

	// ComponentProfile is the subscription and user profile store.
	ComponentProfile = "camofy:profile"

	// ComponentScheduler runs the cron-driven background tasks.
	ComponentScheduler = "camofy:scheduler"

	// ComponentSelection persists and replays proxy group choices.
	ComponentSelection = "camofy:selection"
)

// Component generates a component name joining all parts with a colon.
func Component(parts ...string) string {
	out := ""
	for i, part := range parts {
		if i > 0 {
			out += ":"
		}
		out += part
	}
	return out
}
