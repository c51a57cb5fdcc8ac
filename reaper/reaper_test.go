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

package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/sysiya/redis-action/kv"
)

func testStore(t *ftt.Test) (context.Context, testclock.TestClock, kv.Store) {
	mr, err := miniredis.Run()
	assert.Loosely(t, err, should.BeNil)
	t.Cleanup(mr.Close)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })
	ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
	return ctx, tc, kv.NewRedis(pool)
}

// seedSessions inserts n ids into the recency index, oldest first, each
// with a detail record the cascade is expected to delete.
func seedSessions(ctx context.Context, t *ftt.Test, s kv.Store, n int) {
	base := clock.Now(ctx)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("tok%02d", i)
		assert.Loosely(t, s.SetScore(ctx, "recent:", id, float64(base.Unix()+int64(i))), should.BeNil)
		assert.Loosely(t, s.SetString(ctx, "detail:"+id, "record", 0), should.BeNil)
	}
}

func testConfig(s kv.Store, limit, batch int64) Config {
	return Config{
		Index:        "recent:",
		Limit:        limit,
		BatchSize:    batch,
		PollInterval: time.Second,
		Evict: func(ctx context.Context, ids []string) error {
			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = "detail:" + id
			}
			return s.Delete(ctx, keys...)
		},
	}
}

func TestCycle(t *testing.T) {
	t.Parallel()

	ftt.Run("cycle", t, func(t *ftt.Test) {
		ctx, _, s := testStore(t)

		t.Run("under the limit is a no-op", func(t *ftt.Test) {
			seedSessions(ctx, t, s, 5)
			evicted, err := cycle(ctx, s, testConfig(s, 5, 100))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, evicted, should.BeZero)

			n, err := s.Cardinality(ctx, "recent:")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(5))
		})

		t.Run("evicts the oldest surplus with dependents", func(t *ftt.Test) {
			seedSessions(ctx, t, s, 10)
			evicted, err := cycle(ctx, s, testConfig(s, 7, 100))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, evicted, should.Equal(3))

			// The three oldest are gone, records and all.
			for i := 0; i < 3; i++ {
				id := fmt.Sprintf("tok%02d", i)
				_, ok, err := s.Score(ctx, "recent:", id)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, ok, should.BeFalse)
				_, ok, err = s.GetString(ctx, "detail:"+id)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, ok, should.BeFalse)
			}

			// The newest survivor is untouched.
			_, ok, err := s.GetString(ctx, "detail:tok09")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
		})

		t.Run("batch size caps one cycle, repetition reaches quiescence", func(t *ftt.Test) {
			seedSessions(ctx, t, s, 10)
			cfg := testConfig(s, 2, 3)

			for _, want := range []int{3, 3, 2, 0} {
				evicted, err := cycle(ctx, s, cfg)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, evicted, should.Equal(want))
			}

			n, err := s.Cardinality(ctx, "recent:")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(2))
		})

		t.Run("a failed cascade leaves the index for retry", func(t *ftt.Test) {
			seedSessions(ctx, t, s, 3)
			cfg := testConfig(s, 0, 100)
			fail := true
			evict := cfg.Evict
			cfg.Evict = func(ctx context.Context, ids []string) error {
				if fail {
					return fmt.Errorf("store unavailable")
				}
				return evict(ctx, ids)
			}

			evicted, err := cycle(ctx, s, cfg)
			assert.Loosely(t, err, should.ErrLike("store unavailable"))
			assert.Loosely(t, evicted, should.BeZero)
			n, err := s.Cardinality(ctx, "recent:")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(3))

			// The next cycle finishes the job.
			fail = false
			evicted, err = cycle(ctx, s, cfg)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, evicted, should.Equal(3))
		})
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	ftt.Run("Run", t, func(t *ftt.Test) {
		ctx, tc, s := testStore(t)

		t.Run("rejects invalid configuration", func(t *ftt.Test) {
			cfg := testConfig(s, 10, 100)
			cfg.Limit = -1
			assert.Loosely(t, Run(ctx, s, cfg), should.ErrLike("is negative"))

			cfg = testConfig(s, 10, 0)
			assert.Loosely(t, Run(ctx, s, cfg), should.ErrLike("batch size"))

			cfg = testConfig(s, 10, 100)
			cfg.Index = ""
			assert.Loosely(t, Run(ctx, s, cfg), should.ErrLike("index name"))

			cfg = testConfig(s, 10, 100)
			cfg.PollInterval = 0
			assert.Loosely(t, Run(ctx, s, cfg), should.ErrLike("poll interval"))
		})

		t.Run("drains the surplus and stops on cancellation", func(t *ftt.Test) {
			seedSessions(ctx, t, s, 10)

			// Cancel once the loop goes back to sleep after draining.
			cctx, cancel := context.WithCancel(ctx)
			tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) {
				cancel()
				tc.Add(d)
			})

			assert.Loosely(t, Run(cctx, s, testConfig(s, 4, 3)), should.BeNil)

			n, err := s.Cardinality(ctx, "recent:")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(4))
		})
	})
}
