// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rowcache keeps per-row cache entries fresh on a per-row,
// self-adjusting schedule.
//
// Each scheduled row has a due time in a schedule index and a re-fire
// delay in a delay index. A single loop pops the earliest-due row,
// regenerates its cached artifact from the source of truth, and
// reschedules it at now + delay, so each row refreshes at a rate
// proportional to 1/delay without a timer per row. A delay <= 0 is the
// retire sentinel: the row's schedule bookkeeping and cached artifact
// are deleted and it is never refreshed again.
package rowcache

import (
	"context"
	"encoding/json"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/sysiya/redis-action/kv"
)

// ErrNoSuchRow is returned by a Loader when the row no longer exists in
// the source of truth. The scheduler retires the row rather than
// retrying a permanent failure forever.
var ErrNoSuchRow = errors.New("rowcache: no such row")

// Loader fetches a row from the source of truth. The returned value is
// JSON-marshaled into the cached artifact.
type Loader func(ctx context.Context, id string) (any, error)

// Config describes one refresh loop.
type Config struct {
	// ScheduleIndex maps row id to its next due time, in unix seconds.
	ScheduleIndex string

	// DelayIndex maps row id to its re-fire delay, in seconds.
	DelayIndex string

	// CachePrefix prefixes row ids to form artifact keys.
	CachePrefix string

	// Load is the source-of-truth lookup.
	Load Loader

	// PollInterval is how long the loop sleeps when nothing is due.
	// Sub-second: this is a bounded-latency busy poll, which keeps the
	// protocol free of any blocking-pop store primitive.
	PollInterval time.Duration
}

func (c *Config) validate() error {
	switch {
	case c.ScheduleIndex == "":
		return errors.New("rowcache: schedule index name is required")
	case c.DelayIndex == "":
		return errors.New("rowcache: delay index name is required")
	case c.CachePrefix == "":
		return errors.New("rowcache: cache prefix is required")
	case c.Load == nil:
		return errors.New("rowcache: loader is required")
	case c.PollInterval <= 0:
		return errors.Fmt("rowcache: poll interval %s is not positive", c.PollInterval)
	}
	return nil
}

// Schedule dues the row for immediate refresh and sets its re-fire
// delay. A delay <= 0 asks the loop to retire the row instead.
func Schedule(ctx context.Context, s kv.Store, c Config, id string, delay time.Duration) error {
	if err := s.SetScore(ctx, c.DelayIndex, id, delay.Seconds()); err != nil {
		return err
	}
	return s.SetScore(ctx, c.ScheduleIndex, id, unixSeconds(clock.Now(ctx)))
}

// Run processes due rows one at a time, earliest first, until ctx is
// done. It returns nil on cancellation and an error only for an
// invalid Config.
func Run(ctx context.Context, s kv.Store, c Config) error {
	if err := c.validate(); err != nil {
		return err
	}
	for ctx.Err() == nil {
		worked, err := step(ctx, s, c)
		if err != nil {
			logging.Warningf(ctx, "rowcache: %q: %s", c.ScheduleIndex, err)
		}
		if !worked {
			if clock.Sleep(ctx, c.PollInterval).Incomplete() {
				break
			}
		}
	}
	return nil
}

// step handles at most one due row, reporting whether it found one.
func step(ctx context.Context, s kv.Store, c Config) (worked bool, err error) {
	next, err := s.RangeByRank(ctx, c.ScheduleIndex, 0, 0, false)
	if err != nil {
		return false, err
	}
	now := clock.Now(ctx)
	if len(next) == 0 || next[0].Score > unixSeconds(now) {
		return false, nil
	}
	id := next[0].ID

	delay, ok, err := s.Score(ctx, c.DelayIndex, id)
	if err != nil {
		return false, err
	}
	if !ok || delay <= 0 {
		return true, retire(ctx, s, c, id)
	}

	row, err := c.Load(ctx, id)
	switch {
	case errors.Is(err, ErrNoSuchRow):
		// The source row is gone for good; stop refreshing it.
		return true, retire(ctx, s, c, id)
	case err != nil:
		// Transient lookup failure. The row stays due, so the next
		// cycle retries it.
		return false, err
	}
	blob, err := json.Marshal(row)
	if err != nil {
		return false, errors.Fmt("marshaling row %q: %w", id, err)
	}

	// The reschedule is deliberately unconditional. A caller may change
	// the delay between our read and this write; the next cycle reads
	// the new delay, so staleness is bounded to one refresh.
	if err := s.SetScore(ctx, c.ScheduleIndex, id, unixSeconds(now)+delay); err != nil {
		return false, err
	}
	if err := s.SetString(ctx, c.CachePrefix+id, string(blob), 0); err != nil {
		return true, err
	}
	return true, nil
}

func retire(ctx context.Context, s kv.Store, c Config, id string) error {
	if err := s.RemoveIDs(ctx, c.DelayIndex, id); err != nil {
		return err
	}
	if err := s.RemoveIDs(ctx, c.ScheduleIndex, id); err != nil {
		return err
	}
	return s.Delete(ctx, c.CachePrefix+id)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
