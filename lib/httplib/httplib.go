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

// Package httplib implements the API response envelope and the handler
// adapter the web server builds on. Every endpoint answers HTTP 200
// with a {code, message, data} body; clients dispatch on the code, not
// on the HTTP status.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/camofy/camofy/lib/weberr"
)

// maxRequestBody bounds request bodies. User profiles are the largest
// legitimate payload and stay far under this.
const maxRequestBody = 8 << 20

// Response is the envelope every endpoint answers with.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK wraps data in a success envelope with a custom message.
func OK(message string, data any) *Response {
	return &Response{Code: weberr.CodeOK, Message: message, Data: data}
}

// HandlerFunc is a route handler returning a value to envelope. A
// returned *Response passes through unchanged; any other non-nil value
// becomes the data of a success envelope with message "success". A nil
// result with nil error means the handler hijacked the connection and
// wrote nothing through the envelope (websocket upgrade).
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler adapts fn to httprouter, enveloping results and errors.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			WriteEnvelope(w, &Response{
				Code:    weberr.Code(err),
				Message: trace.UserMessage(err),
			})
			return
		}
		if out == nil {
			return
		}
		resp, ok := out.(*Response)
		if !ok {
			resp = OK("success", out)
		}
		WriteEnvelope(w, resp)
	}
}

// WriteEnvelope writes resp as an HTTP 200 JSON response.
func WriteEnvelope(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	// An encode failure here means the connection is gone; nothing
	// sensible left to do with it.
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadJSON decodes the request body into v. An empty body leaves v
// untouched so optional request bodies work.
func ReadJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err, "reading request body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}
