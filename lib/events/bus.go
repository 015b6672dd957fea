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

package events

import (
	"sync"
	"sync/atomic"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/defaults"
	logutils "github.com/camofy/camofy/lib/utils/log"
)

var log = logutils.NewPackageLogger(camofy.Component("camofy", "events"))

// Bus fans application events out to subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events rather than
// stalling the component that produced them.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscriber is one registered event consumer with a bounded queue.
type Subscriber struct {
	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{bus: b, ch: make(chan Event, defaults.EventQueueLen)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Broadcast delivers ev to every subscriber that has queue room.
func (b *Bus) Broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1) == 1 {
				log.Warn("slow event subscriber, dropping events")
			}
		}
	}
}

// Events is the subscriber's receive channel. It is closed by Close.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	close(s.ch)
}
