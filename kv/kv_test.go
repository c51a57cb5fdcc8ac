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

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func testStore(t *ftt.Test) (context.Context, *miniredis.Miniredis, Store) {
	mr, err := miniredis.Run()
	assert.Loosely(t, err, should.BeNil)
	t.Cleanup(mr.Close)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })
	return context.Background(), mr, NewRedis(pool)
}

func TestOrderedIndex(t *testing.T) {
	t.Parallel()

	ftt.Run("ordered index", t, func(t *ftt.Test) {
		ctx, _, s := testStore(t)

		t.Run("insert is idempotent on id", func(t *ftt.Test) {
			assert.Loosely(t, s.SetScore(ctx, "idx", "a", 1), should.BeNil)
			assert.Loosely(t, s.SetScore(ctx, "idx", "a", 7), should.BeNil)

			n, err := s.Cardinality(ctx, "idx")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(1))

			score, ok, err := s.Score(ctx, "idx", "a")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, score, should.Equal(7.0))
		})

		t.Run("missing member", func(t *ftt.Test) {
			_, ok, err := s.Score(ctx, "idx", "nope")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)

			_, ok, err = s.Rank(ctx, "idx", "nope")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
		})

		t.Run("range by rank", func(t *ftt.Test) {
			assert.Loosely(t, s.SetScore(ctx, "idx", "low", 1), should.BeNil)
			assert.Loosely(t, s.SetScore(ctx, "idx", "mid", 2), should.BeNil)
			assert.Loosely(t, s.SetScore(ctx, "idx", "high", 3), should.BeNil)

			entries, err := s.RangeByRank(ctx, "idx", 0, 1, false)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, entries, should.Match([]Entry{{"low", 1}, {"mid", 2}}))

			entries, err = s.RangeByRank(ctx, "idx", 0, -1, true)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, entries, should.Match([]Entry{{"high", 3}, {"mid", 2}, {"low", 1}}))

			rank, ok, err := s.Rank(ctx, "idx", "high")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, rank, should.Equal(2))
		})

		t.Run("removal", func(t *ftt.Test) {
			for i, id := range []string{"a", "b", "c", "d"} {
				assert.Loosely(t, s.SetScore(ctx, "idx", id, float64(i)), should.BeNil)
			}
			assert.Loosely(t, s.RemoveIDs(ctx, "idx", "a", "d", "ghost"), should.BeNil)

			n, err := s.RemoveByRank(ctx, "idx", 0, 0)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(1))

			entries, err := s.RangeByRank(ctx, "idx", 0, -1, false)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, entries, should.Match([]Entry{{"c", 2}}))
		})

		t.Run("intersect into", func(t *ftt.Test) {
			assert.Loosely(t, s.SetScore(ctx, "idx", "a", 10), should.BeNil)
			assert.Loosely(t, s.SetScore(ctx, "idx", "b", 20), should.BeNil)

			// Halve in place.
			err := s.IntersectInto(ctx, "idx", map[string]float64{"idx": 0.5}, AggregateSum)
			assert.Loosely(t, err, should.BeNil)
			entries, err := s.RangeByRank(ctx, "idx", 0, -1, false)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, entries, should.Match([]Entry{{"a", 5}, {"b", 10}}))

			// Intersect with a plain set, keeping the index score.
			_, err = s.AddMember(ctx, "grp", "b")
			assert.Loosely(t, err, should.BeNil)
			err = s.IntersectInto(ctx, "out", map[string]float64{"idx": 1, "grp": 1}, AggregateMax)
			assert.Loosely(t, err, should.BeNil)
			entries, err = s.RangeByRank(ctx, "out", 0, -1, false)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, entries, should.Match([]Entry{{"b", 10}}))
		})
	})
}

func TestRecordsAndSets(t *testing.T) {
	t.Parallel()

	ftt.Run("hashes, sets, strings, lists", t, func(t *ftt.Test) {
		ctx, mr, s := testStore(t)

		t.Run("hash", func(t *ftt.Test) {
			err := s.SetHashFields(ctx, "rec", map[string]string{"title": "A", "votes": "1"})
			assert.Loosely(t, err, should.BeNil)

			fields, err := s.Hash(ctx, "rec")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, fields, should.Match(map[string]string{"title": "A", "votes": "1"}))

			value, ok, err := s.HashField(ctx, "rec", "title")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, value, should.Equal("A"))

			assert.Loosely(t, s.DeleteHashFields(ctx, "rec", "votes"), should.BeNil)
			n, err := s.HashLen(ctx, "rec")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(1))

			_, ok, err = s.HashField(ctx, "rec", "votes")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
		})

		t.Run("set reports newly added", func(t *ftt.Test) {
			added, err := s.AddMember(ctx, "voters", "u1")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, added, should.BeTrue)

			added, err = s.AddMember(ctx, "voters", "u1")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, added, should.BeFalse)

			ok, err := s.IsMember(ctx, "voters", "u1")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)

			assert.Loosely(t, s.RemoveMember(ctx, "voters", "u1"), should.BeNil)
			ok, err = s.IsMember(ctx, "voters", "u1")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
		})

		t.Run("string with ttl", func(t *ftt.Test) {
			assert.Loosely(t, s.SetString(ctx, "page", "content", 5*time.Minute), should.BeNil)
			value, ok, err := s.GetString(ctx, "page")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, value, should.Equal("content"))
			assert.Loosely(t, mr.TTL("page"), should.Equal(5*time.Minute))

			mr.FastForward(6 * time.Minute)
			_, ok, err = s.GetString(ctx, "page")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
		})

		t.Run("counter", func(t *ftt.Test) {
			n, err := s.Increment(ctx, "ids")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(1))
			n, err = s.Increment(ctx, "ids")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(2))
		})

		t.Run("capped list drops the oldest", func(t *ftt.Test) {
			for _, m := range []string{"one", "two", "three", "four"} {
				assert.Loosely(t, s.PushCapped(ctx, "recent", m, 3), should.BeNil)
			}
			values, err := s.ListRange(ctx, "recent", 0, -1)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, values, should.Match([]string{"four", "three", "two"}))
		})

		t.Run("rename and delete", func(t *ftt.Test) {
			assert.Loosely(t, s.SetString(ctx, "cur", "x", 0), should.BeNil)
			assert.Loosely(t, s.Rename(ctx, "cur", "last"), should.BeNil)

			ok, err := s.Exists(ctx, "cur")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)

			assert.Loosely(t, s.Delete(ctx, "last", "ghost"), should.BeNil)
			ok, err = s.Exists(ctx, "last")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
		})
	})
}

func TestWatch(t *testing.T) {
	t.Parallel()

	ftt.Run("optimistic transactions", t, func(t *ftt.Test) {
		ctx, _, s := testStore(t)

		t.Run("commit applies queued writes", func(t *ftt.Test) {
			assert.Loosely(t, s.SetString(ctx, "marker", "old", 0), should.BeNil)

			tx, err := s.Watch(ctx, "marker")
			assert.Loosely(t, err, should.BeNil)
			defer tx.Close()

			value, ok, err := tx.GetString("marker")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, value, should.Equal("old"))

			tx.Begin()
			tx.SetString("marker", "new")
			tx.IncrScore("counts", "msg", 1)
			tx.AddMember("members", "u1")
			assert.Loosely(t, tx.Commit(ctx), should.BeNil)

			value, _, err = s.GetString(ctx, "marker")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, value, should.Equal("new"))
			score, _, err := s.Score(ctx, "counts", "msg")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, score, should.Equal(1.0))
			ok, err = s.IsMember(ctx, "members", "u1")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
		})

		t.Run("commit fails when a watched key changed", func(t *ftt.Test) {
			assert.Loosely(t, s.SetString(ctx, "marker", "old", 0), should.BeNil)

			tx, err := s.Watch(ctx, "marker")
			assert.Loosely(t, err, should.BeNil)
			defer tx.Close()

			// A competing writer commits first.
			assert.Loosely(t, s.SetString(ctx, "marker", "raced", 0), should.BeNil)

			tx.Begin()
			tx.SetString("marker", "mine")
			err = tx.Commit(ctx)
			assert.Loosely(t, err, should.ErrLike("watched key changed"))
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)

			// The loser's write was not applied.
			value, _, err := s.GetString(ctx, "marker")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, value, should.Equal("raced"))
		})

		t.Run("commit without begin", func(t *ftt.Test) {
			tx, err := s.Watch(ctx, "marker")
			assert.Loosely(t, err, should.BeNil)
			defer tx.Close()
			assert.Loosely(t, tx.Commit(ctx), should.ErrLike("without Begin"))
		})

		t.Run("abandoned attempt leaves no state behind", func(t *ftt.Test) {
			tx, err := s.Watch(ctx, "marker")
			assert.Loosely(t, err, should.BeNil)
			tx.Begin()
			tx.SetString("marker", "never")
			assert.Loosely(t, tx.Close(), should.BeNil)

			_, ok, err := s.GetString(ctx, "marker")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
		})
	})
}
