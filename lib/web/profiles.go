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

	"github.com/camofy/camofy/lib/httplib"
)

type subscriptionRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]any{"subscriptions": h.Profiles.ListSubscriptions()}, nil
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req subscriptionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	sub, err := h.Profiles.CreateSubscription(req.Name, req.URL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("created", sub), nil
}

func (h *Handler) updateSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req subscriptionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	sub, err := h.Profiles.UpdateSubscription(p.ByName("id"), req.Name, req.URL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("updated", sub), nil
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.Profiles.DeleteSubscription(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("deleted", struct{}{}), nil
}

func (h *Handler) activateSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.Profiles.ActivateSubscription(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("activated", struct{}{}), nil
}

func (h *Handler) fetchSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.Profiles.FetchSubscription(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("fetched", struct{}{}), nil
}

type userProfileRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (h *Handler) listUserProfiles(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]any{"user_profiles": h.Profiles.ListUserProfiles()}, nil
}

func (h *Handler) getUserProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	detail, err := h.Profiles.GetUserProfile(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return detail, nil
}

func (h *Handler) createUserProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req userProfileRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.Profiles.CreateUserProfile(req.Name, req.Content)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("created", created), nil
}

func (h *Handler) updateUserProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req userProfileRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	detail, err := h.Profiles.UpdateUserProfile(r.Context(), p.ByName("id"), req.Name, req.Content)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("updated", detail), nil
}

func (h *Handler) deleteUserProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.Profiles.DeleteUserProfile(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("deleted", struct{}{}), nil
}

func (h *Handler) activateUserProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.Profiles.ActivateUserProfile(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK("activated", struct{}{}), nil
}
