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

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/utils"
)

// upgrader accepts any origin: the panel is served from the router's own
// address which has no fixed origin, and auth already happened above.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventsWS streams application events. The client receives the current
// core status first so it can render without waiting for a change, then
// live events as they happen. Inbound messages are ignored.
func (h *Handler) eventsWS(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		log.Debug("websocket upgrade failed", "error", err)
		return nil, nil
	}
	go h.serveEvents(conn)
	return nil, nil
}

func (h *Handler) serveEvents(conn *websocket.Conn) {
	defer conn.Close()

	sub := h.Bus.Subscribe()
	defer sub.Close()

	// Reader goroutine: discard client frames, unblock on close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status := h.Controller.Status()
	if !h.sendEvent(conn, events.CoreStatusChanged{
		Running:   status.Running,
		PID:       status.PID,
		Timestamp: utils.TimestampString(h.Clock.Now()),
	}) {
		return
	}
	if op := h.Controller.Operation(); op != nil {
		if !h.sendEvent(conn, events.CoreOperationUpdated{State: *op}) {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !h.sendEvent(conn, ev) {
				return
			}
		}
	}
}

// sendEvent writes one event frame, reporting whether the connection is
// still usable.
func (h *Handler) sendEvent(conn *websocket.Conn, ev events.Event) bool {
	frame, err := events.Encode(ev)
	if err != nil {
		log.Warn("encoding event failed", "type", ev.EventType(), "error", err)
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return false
	}
	return true
}
