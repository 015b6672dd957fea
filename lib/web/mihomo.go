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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/engine"
	"github.com/camofy/camofy/lib/httplib"
	"github.com/camofy/camofy/lib/weberr"
)

func (h *Handler) proxies(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	client, err := h.Controller.EngineClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	view, err := client.Proxies(r.Context())
	if err != nil {
		return nil, weberr.WithCode(weberr.CodeMihomoProxiesFailed, err)
	}
	return view, nil
}

type selectProxyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) selectProxy(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req selectProxyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, weberr.New(weberr.CodeMihomoInvalidProxyName, "proxy name must not be empty")
	}
	group := p.ByName("group")

	client, err := h.Controller.EngineClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := client.SelectNode(r.Context(), group, req.Name); err != nil {
		return nil, weberr.WithCode(weberr.CodeMihomoSelectFailed, err)
	}
	// The choice is remembered so an engine restart replays it.
	if err := h.Controller.Selections.Record(group, req.Name); err != nil {
		log.Warn("recording proxy selection failed", "group", group, "error", err)
	}
	return httplib.OK("selected", struct{}{}), nil
}

type delayRequest struct {
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeout_ms"`

	// Nodes narrows a group test to a subset; empty means all members.
	Nodes []string `json:"nodes"`
}

func (r *delayRequest) fillDefaults() {
	if r.URL == "" {
		r.URL = defaults.DelayTestURL
	}
	if r.TimeoutMS <= 0 {
		r.TimeoutMS = defaults.DelayTestTimeoutMS
	}
}

type nodeDelayResult struct {
	Node    string `json:"node"`
	DelayMS int    `json:"delay_ms"`
}

type groupDelayResponse struct {
	Group     string            `json:"group"`
	URL       string            `json:"url"`
	TimeoutMS int               `json:"timeout_ms"`
	Results   []nodeDelayResult `json:"results"`
}

func (h *Handler) groupDelay(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req delayRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.fillDefaults()
	group := p.ByName("group")

	if !h.Controller.Status().Running {
		return nil, weberr.New(weberr.CodeCoreNotRunning, "core is not running")
	}
	client, err := h.Controller.EngineClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	view, err := client.Proxies(r.Context())
	if err != nil {
		return nil, weberr.WithCode(weberr.CodeMihomoProxiesFailed, err)
	}
	grp, ok := view.Group(group)
	if !ok {
		return nil, weberr.New(weberr.CodeMihomoGroupNotFound, "proxy group %q not found", group)
	}

	wanted := map[string]bool{}
	for _, n := range req.Nodes {
		wanted[n] = true
	}

	results := []nodeDelayResult{}
	for _, node := range grp.Nodes {
		if len(wanted) > 0 && !wanted[node.Name] {
			continue
		}
		delay, err := client.ProxyDelay(r.Context(), node.Name, req.URL, req.TimeoutMS)
		if err != nil {
			// Unreachable nodes report zero rather than failing the batch.
			delay = 0
		}
		results = append(results, nodeDelayResult{Node: node.Name, DelayMS: delay})
	}
	return groupDelayResponse{
		Group:     group,
		URL:       req.URL,
		TimeoutMS: req.TimeoutMS,
		Results:   results,
	}, nil
}

type nodeDelayResponse struct {
	Group     string `json:"group"`
	Node      string `json:"node"`
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeout_ms"`
	DelayMS   int    `json:"delay_ms"`
}

func (h *Handler) nodeDelay(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req delayRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.fillDefaults()
	group := p.ByName("group")
	node := p.ByName("node")

	client, err := h.Controller.EngineClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	delay, err := client.ProxyDelay(r.Context(), node, req.URL, req.TimeoutMS)
	if err != nil {
		if engine.IsSocketMissing(err) {
			return nil, weberr.New(weberr.CodeCoreNotRunning, "core is not running")
		}
		return nil, weberr.WithCode(weberr.CodeMihomoDelayProxyFailed, err)
	}
	return nodeDelayResponse{
		Group:     group,
		Node:      node,
		URL:       req.URL,
		TimeoutMS: req.TimeoutMS,
		DelayMS:   delay,
	}, nil
}
