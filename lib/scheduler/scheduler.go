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

// Package scheduler runs the cron-driven background tasks: refreshing
// the active subscription and updating the GeoIP database. Each task has
// its own loop that re-reads its schedule from the store every cycle, so
// settings changes take effect without a restart.
package scheduler

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/profile"
	"github.com/camofy/camofy/lib/utils"
	logutils "github.com/camofy/camofy/lib/utils/log"
)

var log = logutils.NewPackageLogger(camofy.ComponentScheduler)

// Run outcomes recorded on the task config after each cycle.
const (
	RunStatusOK      = "ok"
	RunStatusSkipped = "skipped"
	RunStatusError   = "error"
)

// minSleep keeps a just-fired schedule from retriggering in the same
// cron minute.
const minSleep = 60 * time.Second

// SubscriptionUpdater refreshes the active subscription. Implemented by
// profile.Service.
type SubscriptionUpdater interface {
	AutoUpdateActiveSubscription(ctx context.Context) error
}

// GeoIPUpdater refreshes the GeoIP database. Implemented by
// core.Controller.
type GeoIPUpdater interface {
	UpdateGeoIP(ctx context.Context) error
}

// Config holds the dependencies of a Scheduler.
type Config struct {
	Store         *config.Store
	Subscriptions SubscriptionUpdater
	GeoIP         GeoIPUpdater
	Clock         clockwork.Clock
}

// Scheduler owns both task loops.
type Scheduler struct {
	Config

	tasks []*task
}

// skipError marks a run that had nothing to do; it is recorded as
// skipped rather than failed.
type skipError struct {
	reason string
}

func (e *skipError) Error() string { return e.reason }

// task is one background job with its schedule selector and busy guard.
type task struct {
	name   string
	busy   atomic.Bool
	config func(cfg *config.AppConfig) *config.ScheduledTaskConfig
	run    func(ctx context.Context) error
}

// New validates cfg and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, trace.BadParameter("missing Store")
	}
	if cfg.Subscriptions == nil {
		return nil, trace.BadParameter("missing Subscriptions")
	}
	if cfg.GeoIP == nil {
		return nil, trace.BadParameter("missing GeoIP")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Scheduler{Config: cfg}
	s.tasks = []*task{
		{
			name: "subscription_auto_update",
			config: func(cfg *config.AppConfig) *config.ScheduledTaskConfig {
				return &cfg.SubscriptionUpdate
			},
			run: func(ctx context.Context) error {
				err := cfg.Subscriptions.AutoUpdateActiveSubscription(ctx)
				if trace.Unwrap(err) == profile.ErrNoActiveSubscription {
					return &skipError{reason: "no_active_subscription"}
				}
				return trace.Wrap(err)
			},
		},
		{
			name: "geoip_auto_update",
			config: func(cfg *config.AppConfig) *config.ScheduledTaskConfig {
				return &cfg.GeoIPUpdate
			},
			run: cfg.GeoIP.UpdateGeoIP,
		},
	}
	return s, nil
}

// Run drives both task loops until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			s.taskLoop(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) taskLoop(ctx context.Context, t *task) {
	for {
		sleep := s.nextSleep(t)
		select {
		case <-ctx.Done():
			return
		case <-s.Clock.After(sleep):
		}

		// The schedule may have been disabled while we slept.
		cfg := s.Store.Snapshot()
		taskCfg := t.config(&cfg)
		if !taskCfg.Enabled || taskCfg.Cron == "" {
			continue
		}
		s.runTask(ctx, t)
	}
}

// nextSleep computes how long the loop waits before its next cycle. A
// disabled or broken schedule is rechecked on a fixed interval.
func (s *Scheduler) nextSleep(t *task) time.Duration {
	cfg := s.Store.Snapshot()
	taskCfg := t.config(&cfg)
	if !taskCfg.Enabled || taskCfg.Cron == "" {
		return defaults.SchedulerRetryInterval
	}

	schedule, err := cron.ParseStandard(normalizeCronExpr(taskCfg.Cron))
	if err != nil {
		log.Warn("task schedule does not parse", "task", t.name, "cron", taskCfg.Cron, "error", err)
		s.record(t, RunStatusError, "invalid cron expression: "+taskCfg.Cron)
		return defaults.SchedulerRetryInterval
	}

	// Cron schedules are evaluated in local time, matching what a user
	// typing "0 3 * * *" expects on their router.
	now := s.Clock.Now().Local()
	sleep := schedule.Next(now).Sub(now)
	if sleep < time.Second {
		sleep = minSleep
	}
	return sleep
}

// normalizeCronExpr rewrites the day-of-week field of a 5-field
// expression so that 7, the traditional alias for Sunday, becomes the
// 0 the parser requires. Anything else passes through untouched.
func normalizeCronExpr(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 || !strings.Contains(fields[4], "7") {
		return expr
	}
	parts := strings.Split(fields[4], ",")
	for i, part := range parts {
		parts[i] = normalizeDOWPart(part)
	}
	fields[4] = strings.Join(parts, ",")
	return strings.Join(fields, " ")
}

// normalizeDOWPart folds 7 onto Sunday in one comma-separated piece of
// the day-of-week field. A range ending in 7, like 5-7, is expanded
// into an explicit day list because 0 cannot terminate a range.
func normalizeDOWPart(part string) string {
	body, step := part, 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n < 1 {
			return part
		}
		body, step = part[:i], n
	}
	if body == "7" {
		// A step from 7 up never leaves 7.
		return "0"
	}
	dash := strings.IndexByte(body, '-')
	if dash < 0 {
		return part
	}
	lo, loErr := strconv.Atoi(body[:dash])
	hi, hiErr := strconv.Atoi(body[dash+1:])
	if loErr != nil || hiErr != nil || hi != 7 || lo < 0 || lo > 7 {
		return part
	}
	var days []string
	for v := lo; v <= hi; v += step {
		if v == 7 {
			days = append(days, "0")
		} else {
			days = append(days, strconv.Itoa(v))
		}
	}
	return strings.Join(days, ",")
}

// runTask executes t once, guarded so overlapping runs collapse into a
// skip instead of stacking up.
func (s *Scheduler) runTask(ctx context.Context, t *task) {
	if !t.busy.CompareAndSwap(false, true) {
		s.record(t, RunStatusSkipped, "task already running")
		return
	}
	defer t.busy.Store(false)

	log.Info("running scheduled task", "task", t.name)
	err := t.run(ctx)

	var skip *skipError
	switch {
	case err == nil:
		s.record(t, RunStatusOK, "")
	case asSkip(err, &skip):
		log.Info("scheduled task skipped", "task", t.name, "reason", skip.reason)
		s.record(t, RunStatusSkipped, skip.reason)
	default:
		log.Warn("scheduled task failed", "task", t.name, "error", err)
		s.record(t, RunStatusError, trace.UserMessage(err))
	}
}

func asSkip(err error, out **skipError) bool {
	if s, ok := trace.Unwrap(err).(*skipError); ok {
		*out = s
		return true
	}
	return false
}

// record stamps the run outcome onto the task's stored config.
func (s *Scheduler) record(t *task, status, message string) {
	err := s.Store.Mutate(func(cfg *config.AppConfig) error {
		taskCfg := t.config(cfg)
		taskCfg.LastRunTime = utils.TimestampString(s.Clock.Now())
		taskCfg.LastRunStatus = status
		taskCfg.LastRunMessage = message
		return nil
	})
	if err != nil {
		log.Warn("recording task outcome failed", "task", t.name, "error", err)
	}
}
