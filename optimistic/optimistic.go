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

// Package optimistic implements a compare-and-retry transaction driver.
//
// A caller supplies the keys whose stability its update depends on and
// a body that reads the current snapshot and queues the writes to
// apply. Run commits the writes only if none of the watched keys
// changed between read and commit, retrying the whole cycle on
// conflict until a time budget runs out. When Run reports Applied, the
// committed writes were computed from a snapshot that remained
// unchanged from read to commit: linearizable with respect to the
// watched keys, and only those.
package optimistic

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/sysiya/redis-action/kv"
)

// Result is the outcome of a Run.
type Result int

const (
	// Applied means the body's writes committed against an unchanged
	// snapshot.
	Applied Result = iota
	// Unchanged means the body found the desired state already holds
	// and queued nothing.
	Unchanged
	// TimedOut means the budget elapsed before any attempt committed.
	// The update is dropped; whether to surface that is the caller's
	// call.
	TimedOut
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Body is one transaction attempt. It reads through tx, and either
// returns (false, nil) to report the desired state already holds, or
// calls tx.Begin, queues writes, and returns (true, nil) to request a
// commit. It must be a pure function of the snapshot: it may run any
// number of times.
type Body func(tx kv.Txn) (apply bool, err error)

// Run drives body to a committed outcome.
//
// Each attempt watches keys, runs body against the live snapshot, and
// conditionally commits. A conflicting concurrent commit triggers an
// immediate retry, with no backoff, for as long as clock.Now is within
// budget of the starting time; the first attempt always runs. Errors
// from the store or the body abort the run and are returned as-is;
// conflict is never surfaced except as the TimedOut result.
func Run(ctx context.Context, s kv.Store, keys []string, budget time.Duration, body Body) (Result, error) {
	if len(keys) == 0 {
		return 0, errors.New("optimistic: no keys to watch")
	}
	deadline := clock.Now(ctx).Add(budget)
	for {
		if err := ctx.Err(); err != nil {
			return TimedOut, err
		}
		result, err := attempt(ctx, s, keys, body)
		switch {
		case err == nil:
			return result, nil
		case !errors.Is(err, kv.ErrConflict):
			return 0, err
		}
		if !clock.Now(ctx).Before(deadline) {
			return TimedOut, nil
		}
	}
}

func attempt(ctx context.Context, s kv.Store, keys []string, body Body) (Result, error) {
	tx, err := s.Watch(ctx, keys...)
	if err != nil {
		return 0, err
	}
	defer tx.Close()
	apply, err := body(tx)
	switch {
	case err != nil:
		return 0, err
	case !apply:
		return Unchanged, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return Applied, nil
}
