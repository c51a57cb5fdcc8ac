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

// Package pagecache serves cached copies of item pages for requests
// worth caching: static requests for items popular enough to rank high
// in the global view index maintained by package session.
package pagecache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/sysiya/redis-action/kv"
)

const (
	viewedIndex = "viewed:"
	cachePrefix = "cache:"

	// Only items ranked in this many most-viewed are cached.
	cacheableRank = 10000
	// How long a cached page is served before regeneration.
	pageTTL = 5 * time.Minute

	// Rescale keeps this many most-viewed items and halves all scores,
	// so old popularity decays but relative rank is preserved.
	rescaleKeep     = 20000
	rescaleInterval = 5 * time.Minute
)

// Generate produces the page content for a request when no cached copy
// is available.
type Generate func(rawurl string) (string, error)

// Cacheable reports whether the request may be served from cache: it
// must be static (no "_" query parameter), name an item, and the item
// must rank within the top 10000 most viewed.
func Cacheable(ctx context.Context, s kv.Store, rawurl string) (bool, error) {
	item, dynamic := parseRequest(rawurl)
	if item == "" || dynamic {
		return false, nil
	}
	rank, ok, err := s.Rank(ctx, viewedIndex, item)
	if err != nil {
		return false, err
	}
	return ok && rank < cacheableRank, nil
}

// Request serves the content for rawurl, from cache when possible.
// Uncacheable requests call generate directly; cacheable misses call it
// once and store the result for five minutes.
func Request(ctx context.Context, s kv.Store, rawurl string, generate Generate) (string, error) {
	ok, err := Cacheable(ctx, s, rawurl)
	if err != nil {
		return "", err
	}
	if !ok {
		return generate(rawurl)
	}

	pageKey := cachePrefix + hashRequest(rawurl)
	content, ok, err := s.GetString(ctx, pageKey)
	if err != nil {
		return "", err
	}
	if ok {
		return content, nil
	}
	content, err = generate(rawurl)
	if err != nil {
		return "", err
	}
	if err := s.SetString(ctx, pageKey, content, pageTTL); err != nil {
		return "", err
	}
	return content, nil
}

// RescaleViewed periodically trims the view-popularity index to the
// 20000 most viewed items and halves every score, until ctx is done.
func RescaleViewed(ctx context.Context, s kv.Store, poll time.Duration) error {
	if poll <= 0 {
		poll = rescaleInterval
	}
	for ctx.Err() == nil {
		if err := rescale(ctx, s); err != nil {
			logging.Warningf(ctx, "pagecache: rescaling %q: %s", viewedIndex, err)
		}
		if clock.Sleep(ctx, poll).Incomplete() {
			break
		}
	}
	return nil
}

func rescale(ctx context.Context, s kv.Store) error {
	if _, err := s.RemoveByRank(ctx, viewedIndex, rescaleKeep, -1); err != nil {
		return err
	}
	return s.IntersectInto(ctx, viewedIndex, map[string]float64{viewedIndex: 0.5}, kv.AggregateSum)
}

// parseRequest extracts the requested item id and whether the request
// is dynamic. A "_" query parameter marks a dynamic, uncacheable
// request.
func parseRequest(rawurl string) (item string, dynamic bool) {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return "", true
	}
	query := parsed.Query()
	_, dynamic = query["_"]
	return query.Get("item"), dynamic
}

func hashRequest(rawurl string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(rawurl)))
}
