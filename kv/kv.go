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

// Package kv defines the key-value store surface the coordination layer
// is written against, together with a Redis-backed implementation.
//
// The store is assumed to offer atomic single-key operations, hashes,
// sets, score-ordered indexes with rank queries, key expiry, and an
// optimistic watch/commit-if-unchanged transaction primitive. Redis
// provides all of these; NewRedis adapts a redigo pool to the Store
// interface. Nothing outside this package speaks the Redis protocol
// directly.
package kv

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// ErrConflict is returned by Txn.Commit when a watched key was modified
// between Watch and Commit. It is tagged transient: retrying the whole
// read-compute-commit cycle is the expected recovery.
var ErrConflict = transient.Tag.Apply(errors.New("kv: watched key changed before commit"))

// Aggregate selects how IntersectInto combines scores of ids present in
// several source indexes.
type Aggregate string

// Valid Aggregate values.
const (
	AggregateSum Aggregate = "SUM"
	AggregateMax Aggregate = "MAX"
)

// Entry is one member of an ordered index.
type Entry struct {
	ID    string
	Score float64
}

// Store is the abstract key-value store.
//
// All operations are atomic with respect to their single key. Multi-key
// invariants must be maintained through Watch transactions.
type Store interface {
	// Ordered indexes. One entry per id; inserting an existing id
	// overwrites its score.

	// Score returns the score of id, reporting whether id is a member.
	Score(ctx context.Context, index, id string) (float64, bool, error)
	// SetScore inserts id or overwrites its score.
	SetScore(ctx context.Context, index, id string, score float64) error
	// IncrScore adjusts the score of id by delta, inserting it at delta
	// if absent, and returns the new score.
	IncrScore(ctx context.Context, index, id string, delta float64) (float64, error)
	// Rank returns the ascending-score rank of id (0 is lowest),
	// reporting whether id is a member.
	Rank(ctx context.Context, index, id string) (int64, bool, error)
	// RangeByRank returns entries between ranks start and stop
	// inclusive (negative ranks count from the end), ascending by
	// score, or descending when reverse is set.
	RangeByRank(ctx context.Context, index string, start, stop int64, reverse bool) ([]Entry, error)
	// RemoveByRank removes all entries between ranks start and stop
	// inclusive and returns how many were removed.
	RemoveByRank(ctx context.Context, index string, start, stop int64) (int64, error)
	// RemoveIDs removes the given ids. Ids not present are skipped.
	RemoveIDs(ctx context.Context, index string, ids ...string) error
	// Cardinality returns the number of entries in the index.
	Cardinality(ctx context.Context, index string) (int64, error)
	// IntersectInto replaces dst with the intersection of the source
	// indexes (plain sets count as members with score 1), scaling each
	// source's scores by its weight and combining them per agg.
	//
	// dst may itself be a source. This is how popularity scores are
	// halved in place and how group listings are materialized.
	IntersectInto(ctx context.Context, dst string, sources map[string]float64, agg Aggregate) error

	// Hashes.

	// Hash returns all fields of the hash at key. Missing keys yield an
	// empty map.
	Hash(ctx context.Context, key string) (map[string]string, error)
	// HashField returns one field, reporting whether it exists.
	HashField(ctx context.Context, key, field string) (string, bool, error)
	// SetHashFields writes the given fields, creating the hash if
	// needed.
	SetHashFields(ctx context.Context, key string, fields map[string]string) error
	// DeleteHashFields removes the given fields.
	DeleteHashFields(ctx context.Context, key string, fields ...string) error
	// HashLen returns the number of fields in the hash at key.
	HashLen(ctx context.Context, key string) (int64, error)

	// Sets.

	// AddMember adds member to the set, reporting whether it was newly
	// added.
	AddMember(ctx context.Context, set, member string) (bool, error)
	// RemoveMember removes member from the set.
	RemoveMember(ctx context.Context, set, member string) error
	// IsMember reports whether member is in the set.
	IsMember(ctx context.Context, set, member string) (bool, error)

	// Strings and counters.

	// GetString returns the string at key, reporting whether it exists.
	GetString(ctx context.Context, key string) (string, bool, error)
	// SetString writes value at key, with an expiry when ttl > 0.
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	// Increment atomically increments the integer at key (0 if absent)
	// and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// Capped lists.

	// PushCapped prepends value to the list at key and trims the list
	// to its max newest entries, silently dropping the oldest.
	PushCapped(ctx context.Context, key, value string, max int64) error
	// ListRange returns list elements between start and stop inclusive,
	// newest first. Negative indexes count from the end.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Keys.

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the given keys, of any type. Missing keys are
	// skipped.
	Delete(ctx context.Context, keys ...string) error
	// Expire sets the time-to-live of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Rename renames old to new, overwriting new if it exists.
	Rename(ctx context.Context, old, new string) error

	// Watch starts an optimistic transaction observing the given keys.
	// The caller must Close the returned Txn.
	Watch(ctx context.Context, keys ...string) (Txn, error)
}

// Txn is a single optimistic transaction attempt, pinned to one store
// connection.
//
// Usage: read the current snapshot with the read methods, call Begin,
// queue writes with the write methods, then Commit. Commit fails with
// ErrConflict if any watched key changed since Watch. Close releases
// the connection and discards the transaction if it never committed.
//
// Write methods queue only; their errors (connection failures) are
// deferred to Commit.
type Txn interface {
	// Reads. Valid only before Begin.

	GetString(key string) (string, bool, error)
	IsMember(set, member string) (bool, error)
	Score(index, id string) (float64, bool, error)

	// Begin marks the start of the write set.
	Begin()

	// Writes. Valid only after Begin.

	SetString(key, value string)
	Rename(old, new string)
	IncrScore(index, id string, delta float64)
	IncrHashField(key, field string, delta int64)
	AddMember(set, member string)
	PushCapped(key, value string, max int64)

	// Commit atomically applies the queued writes, failing with
	// ErrConflict if a watched key changed.
	Commit(ctx context.Context) error

	// Close releases the transaction's connection. Safe to call after
	// Commit, and discards any uncommitted state otherwise.
	Close() error
}
