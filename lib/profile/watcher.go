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

package profile

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"

	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/utils"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 500 * time.Millisecond

// Watcher recomposes the merged config when user profile files change on
// disk outside the API, e.g. through scp or a shell on the router.
type Watcher struct {
	service *Service
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching the service's user-profiles directory.
func NewWatcher(service *Service) (*Watcher, error) {
	dir := service.UserProfilesDir()
	if err := utils.EnsureDir(dir); err != nil {
		return nil, trace.Wrap(err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, trace.Wrap(err)
	}
	return &Watcher{service: service, watcher: fw}, nil
}

// Run consumes filesystem events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			log.Debug("user profile file changed on disk", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("user profile watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			if _, err := w.service.Applier.ApplyConfig(ctx, events.ReasonUserProfileUpdated); err != nil {
				log.Warn("recomposing after on-disk profile change failed", "error", err)
			}
		}
	}
}

// relevant filters out everything but YAML writes: editors drop swap and
// backup files in the same directory.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, ".yaml") && !strings.HasSuffix(ev.Name, ".yml") {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) ||
		ev.Op.Has(fsnotify.Rename) || ev.Op.Has(fsnotify.Remove)
}
