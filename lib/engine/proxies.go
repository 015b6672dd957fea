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

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/gravitational/trace"
)

// globalGroup is the engine's synthetic group holding every other group.
// It orders the view but is not itself listed.
const globalGroup = "GLOBAL"

// ProxyNode is one selectable endpoint inside a group. Delay is the most
// recent probe result, absent when the engine has none.
type ProxyNode struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Delay *int   `json:"delay,omitempty"`
}

// ProxyGroup is one proxy group with its resolved member nodes.
type ProxyGroup struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Now   string      `json:"now,omitempty"`
	Nodes []ProxyNode `json:"nodes"`
}

// ProxiesView is the grouped proxy table served to the panel.
type ProxiesView struct {
	Groups []ProxyGroup `json:"groups"`
}

// Group finds a group by name.
func (v *ProxiesView) Group(name string) (ProxyGroup, bool) {
	for _, g := range v.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return ProxyGroup{}, false
}

type rawProxy struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	All     []string     `json:"all"`
	Now     string       `json:"now"`
	History []delayEntry `json:"history"`
}

type delayEntry struct {
	Delay *int `json:"delay"`
}

// Proxies fetches the engine's proxy table and shapes it into groups:
// every entry carrying an "all" list except GLOBAL, ordered the way
// GLOBAL's own list orders them, with stragglers in document order.
func (c *Client) Proxies(ctx context.Context) (*ProxiesView, error) {
	status, body, err := c.roundTrip(ctx, "GET", "/proxies", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !is2xx(status) {
		return nil, statusError(status, body)
	}

	var raw struct {
		Proxies map[string]rawProxy `json:"proxies"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, trace.Wrap(&Error{Message: fmt.Sprintf("parsing engine proxies response: %v", err)})
	}

	byName := make(map[string]ProxyGroup)
	for name, entry := range raw.Proxies {
		if name == globalGroup || entry.All == nil {
			continue
		}
		byName[name] = ProxyGroup{
			Name:  entry.Name,
			Type:  typeOrUnknown(entry.Type),
			Now:   entry.Now,
			Nodes: resolveNodes(entry.All, raw.Proxies),
		}
	}

	view := &ProxiesView{}
	if global, ok := raw.Proxies[globalGroup]; ok {
		for _, name := range global.All {
			if group, ok := byName[name]; ok {
				view.Groups = append(view.Groups, group)
				delete(byName, name)
			}
		}
	}
	for _, name := range proxyOrder(body) {
		if group, ok := byName[name]; ok {
			view.Groups = append(view.Groups, group)
			delete(byName, name)
		}
	}
	return view, nil
}

func resolveNodes(names []string, proxies map[string]rawProxy) []ProxyNode {
	nodes := make([]ProxyNode, 0, len(names))
	for _, name := range names {
		entry, ok := proxies[name]
		if !ok {
			nodes = append(nodes, ProxyNode{Name: name, Type: "unknown"})
			continue
		}
		var delay *int
		if n := len(entry.History); n > 0 {
			delay = entry.History[n-1].Delay
		}
		nodes = append(nodes, ProxyNode{
			Name:  entry.Name,
			Type:  typeOrUnknown(entry.Type),
			Delay: delay,
		})
	}
	return nodes
}

func typeOrUnknown(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}

// proxyOrder scans the raw response for the key order of the "proxies"
// object, giving the view a stable order for groups GLOBAL does not
// mention. Errors degrade to an empty order; the lookup map still holds
// every group, they just sort behind the GLOBAL-listed ones arbitrarily.
func proxyOrder(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		if key, ok := keyTok.(string); ok && key == "proxies" {
			return objectKeys(dec)
		}
		if err := skipValue(dec); err != nil {
			return nil
		}
	}
	return nil
}

func objectKeys(dec *json.Decoder) []string {
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}
	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		if key, ok := keyTok.(string); ok {
			keys = append(keys, key)
		}
		if err := skipValue(dec); err != nil {
			return nil
		}
	}
	return keys
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || (d != '{' && d != '[') {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// SelectNode switches group to node.
func (c *Client) SelectNode(ctx context.Context, group, node string) error {
	body, err := json.Marshal(map[string]string{"name": node})
	if err != nil {
		return trace.Wrap(err)
	}
	status, respBody, err := c.roundTrip(ctx, "PUT", "/proxies/"+encodePathSegment(group), body)
	if err != nil {
		return trace.Wrap(err)
	}
	if !is2xx(status) {
		return statusError(status, respBody)
	}
	return nil
}

// ReloadConfig asks the engine to reload its config from mergedPath.
func (c *Client) ReloadConfig(ctx context.Context, mergedPath string) error {
	body, err := json.Marshal(map[string]any{"path": mergedPath, "force": true})
	if err != nil {
		return trace.Wrap(err)
	}
	status, respBody, err := c.roundTrip(ctx, "PUT", "/configs", body)
	if err != nil {
		return trace.Wrap(err)
	}
	if !is2xx(status) {
		return statusError(status, respBody)
	}
	return nil
}

// ProxyDelay probes one proxy against url. A non-2xx answer means the
// probe timed out or failed on the engine side and reports as zero delay
// rather than an error, so one dead node never fails a whole sweep.
func (c *Client) ProxyDelay(ctx context.Context, proxy, url string, timeoutMS int) (int, error) {
	path := fmt.Sprintf("/proxies/%s/delay?url=%s&timeout=%d",
		encodePathSegment(proxy), encodePathSegment(url), timeoutMS)
	status, body, err := c.roundTrip(ctx, "GET", path, nil)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if !is2xx(status) {
		log.Debug("proxy delay probe returned non-success, treating as timeout",
			"proxy", proxy, "status", status)
		return 0, nil
	}
	var parsed struct {
		Delay int `json:"delay"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, trace.Wrap(&Error{Message: fmt.Sprintf("parsing delay response for %v: %v", proxy, err)})
	}
	return parsed.Delay, nil
}

// GroupDelay runs the engine's own whole-group probe and returns delay
// by node name.
func (c *Client) GroupDelay(ctx context.Context, group, url string, timeoutMS int) (map[string]int, error) {
	path := fmt.Sprintf("/group/%s/delay?url=%s&timeout=%d",
		encodePathSegment(group), encodePathSegment(url), timeoutMS)
	status, body, err := c.roundTrip(ctx, "GET", path, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !is2xx(status) {
		return nil, statusError(status, body)
	}
	out := map[string]int{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, trace.Wrap(&Error{Message: fmt.Sprintf("parsing group delay response for %v: %v", group, err)})
	}
	return out, nil
}
