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

// Package selection remembers which node each proxy group pointed at,
// keyed by the active subscription and user profile pair, and replays
// those choices into the engine after it restarts.
package selection

import (
	"context"
	"strings"

	"github.com/gravitational/trace"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/engine"
	logutils "github.com/camofy/camofy/lib/utils/log"
)

var log = logutils.NewPackageLogger(camofy.ComponentSelection)

// selectableTypes are the group types a selection can be pushed into.
// GLOBAL is exempt from the check; the engine always allows selecting
// there.
var selectableTypes = []string{"selector", "urltest", "fallback", "loadbalance"}

func isSelectable(groupType string) bool {
	for _, t := range selectableTypes {
		if strings.EqualFold(groupType, t) {
			return true
		}
	}
	return false
}

// Memory stores and replays proxy group choices.
type Memory struct {
	store *config.Store
}

// NewMemory returns a Memory persisting through store.
func NewMemory(store *config.Store) *Memory {
	return &Memory{store: store}
}

// Record upserts the choice of node for group under the currently
// active profile pair.
func (m *Memory) Record(group, node string) error {
	err := m.store.Mutate(func(cfg *config.AppConfig) error {
		set := cfg.SelectionSet(cfg.ActiveSubscriptionID, cfg.ActiveUserProfileID)
		if set == nil {
			cfg.ProxySelections = append(cfg.ProxySelections, config.ProxySelectionSet{
				SubscriptionID: cfg.ActiveSubscriptionID,
				UserProfileID:  cfg.ActiveUserProfileID,
			})
			set = &cfg.ProxySelections[len(cfg.ProxySelections)-1]
		}
		for i := range set.Selections {
			if set.Selections[i].Group == group {
				set.Selections[i].Node = node
				return nil
			}
		}
		set.Selections = append(set.Selections, config.ProxySelection{Group: group, Node: node})
		return nil
	})
	return trace.Wrap(err)
}

// Saved returns the remembered choices for the currently active profile
// pair.
func (m *Memory) Saved() []config.ProxySelection {
	cfg := m.store.Snapshot()
	set := cfg.SelectionSet(cfg.ActiveSubscriptionID, cfg.ActiveUserProfileID)
	if set == nil {
		return nil
	}
	return set.Selections
}

// Apply pushes the remembered choices into the running engine. Groups
// or nodes that no longer exist are skipped, as are groups of a type
// the engine will not switch; an individual push failure is collected
// but does not stop the rest. Having nothing to apply is success.
func (m *Memory) Apply(ctx context.Context, client *engine.Client) error {
	saved := m.Saved()
	if len(saved) == 0 {
		log.Debug("no saved proxy selections for the active profiles")
		return nil
	}

	view, err := client.Proxies(ctx)
	if err != nil {
		return trace.Wrap(err, "fetching proxies before selection replay")
	}

	var errors []error
	applied := 0
	for _, record := range saved {
		group, ok := view.Group(record.Group)
		if !ok {
			log.Debug("saved selection group no longer exists, skipping", "group", record.Group)
			continue
		}
		if !isSelectable(group.Type) && group.Name != "GLOBAL" {
			log.Debug("group is not selectable, skipping saved selection",
				"group", group.Name, "type", group.Type)
			continue
		}
		if group.Now == record.Node {
			continue
		}
		if !groupHasNode(group, record.Node) {
			log.Debug("saved node no longer exists in group, skipping",
				"group", group.Name, "node", record.Node)
			continue
		}
		if err := client.SelectNode(ctx, group.Name, record.Node); err != nil {
			log.Warn("applying saved selection failed",
				"group", group.Name, "node", record.Node, "error", err)
			errors = append(errors, err)
			continue
		}
		applied++
		log.Info("applied saved proxy selection", "group", group.Name, "node", record.Node)
	}
	if applied > 0 {
		log.Info("selection replay finished", "applied", applied)
	}
	return trace.NewAggregate(errors...)
}

func groupHasNode(group engine.ProxyGroup, node string) bool {
	for _, n := range group.Nodes {
		if n.Name == node {
			return true
		}
	}
	return false
}
