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

// Package reaper trims an over-limit ordered index, cascading deletion
// to the records owned by the evicted ids.
//
// The reaper runs without locks. A concurrent writer may re-touch an
// id between the fetch and the delete, in which case a freshly touched
// id can still be evicted in that cycle. That slightly-stale eviction
// is an accepted trade-off for simplicity. Every cycle is idempotent:
// if a crash or store failure leaves the batch partially applied, the
// surplus entries are simply picked up again on the next cycle.
package reaper

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/sysiya/redis-action/kv"
)

// Config describes one eviction loop.
type Config struct {
	// Index is the recency index to bound. Scores are last-touched
	// timestamps, so the lowest-ranked entries are the oldest.
	Index string

	// Limit is the cardinality above which eviction starts.
	Limit int64

	// BatchSize caps how many entries one cycle evicts.
	BatchSize int64

	// PollInterval is how long an under-limit cycle sleeps.
	PollInterval time.Duration

	// Evict deletes everything keyed by the given ids except their
	// entries in Index, which the reaper removes itself afterwards:
	// dependent records and any owning-collection entries. It sees the
	// full batch at once, after the batch snapshot was collected.
	// Optional.
	Evict func(ctx context.Context, ids []string) error
}

func (c *Config) validate() error {
	switch {
	case c.Index == "":
		return errors.New("reaper: index name is required")
	case c.Limit < 0:
		return errors.Fmt("reaper: limit %d is negative", c.Limit)
	case c.BatchSize <= 0:
		return errors.Fmt("reaper: batch size %d is not positive", c.BatchSize)
	case c.PollInterval <= 0:
		return errors.Fmt("reaper: poll interval %s is not positive", c.PollInterval)
	}
	return nil
}

// Run polls the index and evicts surplus entries until ctx is done.
//
// It returns nil on cancellation, within one PollInterval, and returns
// an error only for an invalid Config.
func Run(ctx context.Context, s kv.Store, c Config) error {
	if err := c.validate(); err != nil {
		return err
	}
	for ctx.Err() == nil {
		evicted, err := cycle(ctx, s, c)
		if err != nil {
			// Store hiccups are non-fatal: the surplus is still there
			// next cycle.
			logging.Warningf(ctx, "reaper: %q: %s", c.Index, err)
		}
		if evicted == 0 {
			if clock.Sleep(ctx, c.PollInterval).Incomplete() {
				break
			}
		}
	}
	return nil
}

// cycle runs one eviction pass and returns how many ids it evicted.
func cycle(ctx context.Context, s kv.Store, c Config) (int, error) {
	size, err := s.Cardinality(ctx, c.Index)
	if err != nil {
		return 0, err
	}
	if size <= c.Limit {
		return 0, nil
	}

	surplus := size - c.Limit
	if surplus > c.BatchSize {
		surplus = c.BatchSize
	}
	entries, err := s.RangeByRank(ctx, c.Index, 0, surplus-1, false)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	// Dependent records go first, index entries last, so that a crash
	// in between leaves ids in the index to be revisited rather than
	// orphaned records.
	if c.Evict != nil {
		if err := c.Evict(ctx, ids); err != nil {
			return 0, err
		}
	}
	if err := s.RemoveIDs(ctx, c.Index, ids...); err != nil {
		return 0, err
	}
	logging.Debugf(ctx, "reaper: evicted %d of %d over-limit entries from %q", len(ids), size-c.Limit, c.Index)
	return len(ids), nil
}
