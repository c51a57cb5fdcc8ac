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

// Command retaild runs the background maintenance loops of the retail
// store: the session reaper, which bounds how many login sessions are
// kept, and the page-popularity rescale loop. It runs until interrupted
// and stops within one poll interval.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/sysiya/redis-action/kv"
	"github.com/sysiya/redis-action/pagecache"
	"github.com/sysiya/redis-action/reaper"
	"github.com/sysiya/redis-action/session"
)

func main() {
	redisAddr := flag.String("redis-addr", "localhost:6379", "Address of the Redis server.")
	sessionLimit := flag.Int64("session-limit", 10000000, "Number of live sessions above which the oldest are evicted.")
	batchSize := flag.Int64("eviction-batch", 100, "Max sessions evicted per reaper cycle.")
	reaperPoll := flag.Duration("reaper-poll", time.Second, "How often the reaper checks the session count.")
	rescalePoll := flag.Duration("rescale-poll", 5*time.Minute, "How often view popularity is rescaled.")
	flag.Parse()

	ctx := gologger.StdConfig.Use(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *redisAddr, *sessionLimit, *batchSize, *reaperPoll, *rescalePoll); err != nil {
		logging.Errorf(ctx, "retaild: %s", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, redisAddr string, limit, batch int64, reaperPoll, rescalePoll time.Duration) error {
	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", redisAddr)
		},
	}
	defer pool.Close()

	// An unreachable store is fatal at startup, not a degraded loop.
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Do("PING"); err != nil {
		conn.Close()
		return err
	}
	conn.Close()

	store := kv.NewRedis(pool)
	sessions := session.NewManager(store)

	logging.Infof(ctx, "retaild: session limit %d, eviction batch %d", limit, batch)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return reaper.Run(ctx, store, sessions.ReaperConfig(limit, batch, reaperPoll))
	})
	eg.Go(func() error {
		return pagecache.RescaleViewed(ctx, store, rescalePoll)
	})
	err = eg.Wait()
	logging.Infof(ctx, "retaild: stopped")
	return err
}
