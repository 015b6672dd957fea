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
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/camofy/camofy/lib/core"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/httplib"
	"github.com/camofy/camofy/lib/utils"
	"github.com/camofy/camofy/lib/weberr"
)

// coreInfoResponse adds the host architecture hint to the install view
// so the panel can preselect the right build.
type coreInfoResponse struct {
	core.Info
	RecommendedArch string `json:"recommended_arch"`
}

func (h *Handler) coreInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return coreInfoResponse{
		Info:            h.Controller.Info(),
		RecommendedArch: core.DetectArch(),
	}, nil
}

func (h *Handler) coreStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.Controller.Status(), nil
}

type downloadRequest struct {
	// URL overrides release resolution, for mirrors and pinned builds.
	URL string `json:"url"`
}

func (h *Handler) coreDownload(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req downloadRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := h.Controller.DownloadAsync(req.URL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("started", res), nil
}

func (h *Handler) coreStart(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	res, err := h.Controller.StartAsync()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("started", res), nil
}

func (h *Handler) coreStop(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	res, err := h.Controller.StopAsync()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("started", res), nil
}

func (h *Handler) coreRestart(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	res, err := h.Controller.RestartAsync()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("started", res), nil
}

func (h *Handler) mergedConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	content, err := os.ReadFile(h.Controller.Composer.MergedPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, weberr.New(weberr.CodeMergedConfigNotFound,
				"merged config has not been generated yet")
		}
		return nil, weberr.WithCode(weberr.CodeMergedConfigReadFailed, err)
	}
	return map[string]any{"content": string(content)}, nil
}

func (h *Handler) appLog(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.tailLog(defaults.AppLogName)
}

func (h *Handler) engineLog(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.tailLog(defaults.CoreLogName)
}

func (h *Handler) tailLog(name string) (any, error) {
	path := filepath.Join(h.Store.DataRoot(), defaults.LogDirName, name)
	lines, err := utils.TailLines(path, defaults.LogTailLines)
	if err != nil {
		if os.IsNotExist(err) || trace.IsNotFound(err) {
			return nil, weberr.New(weberr.CodeLogNotFound, "log file does not exist")
		}
		return nil, weberr.WithCode(weberr.CodeLogReadFailed, err)
	}
	return map[string]any{"lines": lines}, nil
}
