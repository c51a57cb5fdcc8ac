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
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// NewRedis returns a Store backed by the given Redis connection pool.
//
// The pool remains owned by the caller and is not closed by the store.
func NewRedis(pool *redis.Pool) Store {
	return &redisStore{pool: pool}
}

type redisStore struct {
	pool *redis.Pool
}

func (s *redisStore) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, transient.Tag.Apply(errors.Fmt("getting redis connection: %w", err))
	}
	return conn, nil
}

func (s *redisStore) Score(ctx context.Context, index, id string) (float64, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()
	score, err := redis.Float64(conn.Do("ZSCORE", index, id))
	switch {
	case err == redis.ErrNil:
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Fmt("ZSCORE %q %q: %w", index, id, err)
	}
	return score, true, nil
}

func (s *redisStore) SetScore(ctx context.Context, index, id string, score float64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("ZADD", index, score, id); err != nil {
		return errors.Fmt("ZADD %q %q: %w", index, id, err)
	}
	return nil
}

func (s *redisStore) IncrScore(ctx context.Context, index, id string, delta float64) (float64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	score, err := redis.Float64(conn.Do("ZINCRBY", index, delta, id))
	if err != nil {
		return 0, errors.Fmt("ZINCRBY %q %q: %w", index, id, err)
	}
	return score, nil
}

func (s *redisStore) Rank(ctx context.Context, index, id string) (int64, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()
	rank, err := redis.Int64(conn.Do("ZRANK", index, id))
	switch {
	case err == redis.ErrNil:
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Fmt("ZRANK %q %q: %w", index, id, err)
	}
	return rank, true, nil
}

func (s *redisStore) RangeByRank(ctx context.Context, index string, start, stop int64, reverse bool) ([]Entry, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	cmd := "ZRANGE"
	if reverse {
		cmd = "ZREVRANGE"
	}
	flat, err := redis.Strings(conn.Do(cmd, index, start, stop, "WITHSCORES"))
	if err != nil {
		return nil, errors.Fmt("%s %q: %w", cmd, index, err)
	}
	entries := make([]Entry, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		score, err := strconv.ParseFloat(flat[i+1], 64)
		if err != nil {
			return nil, errors.Fmt("%s %q: bad score for %q: %w", cmd, index, flat[i], err)
		}
		entries = append(entries, Entry{ID: flat[i], Score: score})
	}
	return entries, nil
}

func (s *redisStore) RemoveByRank(ctx context.Context, index string, start, stop int64) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int64(conn.Do("ZREMRANGEBYRANK", index, start, stop))
	if err != nil {
		return 0, errors.Fmt("ZREMRANGEBYRANK %q: %w", index, err)
	}
	return n, nil
}

func (s *redisStore) RemoveIDs(ctx context.Context, index string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("ZREM", redis.Args{}.Add(index).AddFlat(ids)...); err != nil {
		return errors.Fmt("ZREM %q: %w", index, err)
	}
	return nil
}

func (s *redisStore) Cardinality(ctx context.Context, index string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int64(conn.Do("ZCARD", index))
	if err != nil {
		return 0, errors.Fmt("ZCARD %q: %w", index, err)
	}
	return n, nil
}

func (s *redisStore) IntersectInto(ctx context.Context, dst string, sources map[string]float64, agg Aggregate) error {
	if len(sources) == 0 {
		return errors.New("kv: IntersectInto needs at least one source")
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	args := redis.Args{}.Add(dst, len(sources))
	weights := redis.Args{}
	for key, weight := range sources {
		args = args.Add(key)
		weights = weights.Add(weight)
	}
	args = append(append(args, "WEIGHTS"), weights...)
	args = args.Add("AGGREGATE", string(agg))
	if _, err := conn.Do("ZINTERSTORE", args...); err != nil {
		return errors.Fmt("ZINTERSTORE %q: %w", dst, err)
	}
	return nil
}

func (s *redisStore) Hash(ctx context.Context, key string) (map[string]string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	fields, err := redis.StringMap(conn.Do("HGETALL", key))
	if err != nil {
		return nil, errors.Fmt("HGETALL %q: %w", key, err)
	}
	return fields, nil
}

func (s *redisStore) HashField(ctx context.Context, key, field string) (string, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()
	value, err := redis.String(conn.Do("HGET", key, field))
	switch {
	case err == redis.ErrNil:
		return "", false, nil
	case err != nil:
		return "", false, errors.Fmt("HGET %q %q: %w", key, field, err)
	}
	return value, true, nil
}

func (s *redisStore) SetHashFields(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("HSET", redis.Args{}.Add(key).AddFlat(fields)...); err != nil {
		return errors.Fmt("HSET %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) DeleteHashFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("HDEL", redis.Args{}.Add(key).AddFlat(fields)...); err != nil {
		return errors.Fmt("HDEL %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) HashLen(ctx context.Context, key string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int64(conn.Do("HLEN", key))
	if err != nil {
		return 0, errors.Fmt("HLEN %q: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) AddMember(ctx context.Context, set, member string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	added, err := redis.Int64(conn.Do("SADD", set, member))
	if err != nil {
		return false, errors.Fmt("SADD %q %q: %w", set, member, err)
	}
	return added > 0, nil
}

func (s *redisStore) RemoveMember(ctx context.Context, set, member string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("SREM", set, member); err != nil {
		return errors.Fmt("SREM %q %q: %w", set, member, err)
	}
	return nil
}

func (s *redisStore) IsMember(ctx context.Context, set, member string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	member64, err := redis.Int64(conn.Do("SISMEMBER", set, member))
	if err != nil {
		return false, errors.Fmt("SISMEMBER %q %q: %w", set, member, err)
	}
	return member64 > 0, nil
}

func (s *redisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()
	value, err := redis.String(conn.Do("GET", key))
	switch {
	case err == redis.ErrNil:
		return "", false, nil
	case err != nil:
		return "", false, errors.Fmt("GET %q: %w", key, err)
	}
	return value, true, nil
}

func (s *redisStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if ttl > 0 {
		_, err = conn.Do("SETEX", key, int64(ttl/time.Second), value)
	} else {
		_, err = conn.Do("SET", key, value)
	}
	if err != nil {
		return errors.Fmt("SET %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Increment(ctx context.Context, key string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int64(conn.Do("INCR", key))
	if err != nil {
		return 0, errors.Fmt("INCR %q: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) PushCapped(ctx context.Context, key, value string, max int64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	// Pipelined: LPUSH is flushed together with LTRIM.
	if err := conn.Send("LPUSH", key, value); err != nil {
		return errors.Fmt("LPUSH %q: %w", key, err)
	}
	if _, err := conn.Do("LTRIM", key, 0, max-1); err != nil {
		return errors.Fmt("LTRIM %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	values, err := redis.Strings(conn.Do("LRANGE", key, start, stop))
	if err != nil {
		return nil, errors.Fmt("LRANGE %q: %w", key, err)
	}
	return values, nil
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	n, err := redis.Int64(conn.Do("EXISTS", key))
	if err != nil {
		return false, errors.Fmt("EXISTS %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("DEL", redis.Args{}.AddFlat(keys)...); err != nil {
		return errors.Fmt("DEL: %w", err)
	}
	return nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("EXPIRE", key, int64(ttl/time.Second)); err != nil {
		return errors.Fmt("EXPIRE %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Rename(ctx context.Context, old, new string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("RENAME", old, new); err != nil {
		return errors.Fmt("RENAME %q %q: %w", old, new, err)
	}
	return nil
}

func (s *redisStore) Watch(ctx context.Context, keys ...string) (Txn, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Do("WATCH", redis.Args{}.AddFlat(keys)...); err != nil {
		conn.Close()
		return nil, errors.Fmt("WATCH: %w", err)
	}
	return &redisTxn{conn: conn}, nil
}

// redisTxn drives WATCH/MULTI/EXEC on a single pooled connection.
type redisTxn struct {
	conn  redis.Conn
	began bool
	err   error // first queuing failure, surfaced by Commit
}

func (t *redisTxn) GetString(key string) (string, bool, error) {
	value, err := redis.String(t.conn.Do("GET", key))
	switch {
	case err == redis.ErrNil:
		return "", false, nil
	case err != nil:
		return "", false, errors.Fmt("GET %q: %w", key, err)
	}
	return value, true, nil
}

func (t *redisTxn) IsMember(set, member string) (bool, error) {
	n, err := redis.Int64(t.conn.Do("SISMEMBER", set, member))
	if err != nil {
		return false, errors.Fmt("SISMEMBER %q %q: %w", set, member, err)
	}
	return n > 0, nil
}

func (t *redisTxn) Score(index, id string) (float64, bool, error) {
	score, err := redis.Float64(t.conn.Do("ZSCORE", index, id))
	switch {
	case err == redis.ErrNil:
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Fmt("ZSCORE %q %q: %w", index, id, err)
	}
	return score, true, nil
}

func (t *redisTxn) Begin() {
	t.began = true
	t.send("MULTI")
}

func (t *redisTxn) SetString(key, value string) {
	t.send("SET", key, value)
}

func (t *redisTxn) Rename(old, new string) {
	t.send("RENAME", old, new)
}

func (t *redisTxn) IncrScore(index, id string, delta float64) {
	t.send("ZINCRBY", index, delta, id)
}

func (t *redisTxn) IncrHashField(key, field string, delta int64) {
	t.send("HINCRBY", key, field, delta)
}

func (t *redisTxn) AddMember(set, member string) {
	t.send("SADD", set, member)
}

func (t *redisTxn) PushCapped(key, value string, max int64) {
	t.send("LPUSH", key, value)
	t.send("LTRIM", key, 0, max-1)
}

func (t *redisTxn) send(cmd string, args ...any) {
	if err := t.conn.Send(cmd, args...); err != nil && t.err == nil {
		t.err = errors.Fmt("queuing %s: %w", cmd, err)
	}
}

func (t *redisTxn) Commit(ctx context.Context) error {
	if !t.began {
		return errors.New("kv: Commit without Begin")
	}
	if t.err != nil {
		return t.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Do flushes MULTI and the queued commands, then issues EXEC. A nil
	// reply means the server aborted the transaction because a watched
	// key changed.
	reply, err := t.conn.Do("EXEC")
	if err != nil {
		return errors.Fmt("EXEC: %w", err)
	}
	if reply == nil {
		return ErrConflict
	}
	return nil
}

func (t *redisTxn) Close() error {
	// Pooled connections discard un-exec'd MULTI state and unwatch keys
	// on Close, so an abandoned attempt needs no explicit cleanup here.
	return t.conn.Close()
}
