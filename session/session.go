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

// Package session tracks login tokens, recently viewed items, and
// shopping carts, and wires the reaper that bounds session storage.
package session

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"

	"github.com/sysiya/redis-action/kv"
	"github.com/sysiya/redis-action/reaper"
)

const (
	loginHash    = "login:"   // token -> user
	recentIndex  = "recent:"  // token -> last-touched unix time
	viewedPrefix = "viewed:"  // viewed:<token>: item -> viewed-at
	viewedIndex  = "viewed:"  // item -> -view count; popular items rank first
	cartPrefix   = "cart:"    // cart:<token>: item -> quantity

	// How many recently viewed items to keep per token.
	viewedPerToken = 25
)

// Manager owns session state in the store.
type Manager struct {
	store kv.Store
}

// NewManager returns a Manager over the given store.
func NewManager(s kv.Store) *Manager {
	return &Manager{store: s}
}

// NewToken allocates a fresh session token.
func NewToken() string {
	return uuid.New().String()
}

// CheckToken returns the user a token is logged in as, reporting
// whether the token is known.
func (m *Manager) CheckToken(ctx context.Context, token string) (string, bool, error) {
	return m.store.HashField(ctx, loginHash, token)
}

// UpdateToken records that token belongs to user and touches its
// recency. A non-empty item is added to the token's recently viewed
// items, trimmed to the newest 25, and bumps the item's global view
// popularity.
func (m *Manager) UpdateToken(ctx context.Context, token, user, item string) error {
	now := float64(clock.Now(ctx).Unix())
	if err := m.store.SetHashFields(ctx, loginHash, map[string]string{token: user}); err != nil {
		return err
	}
	if err := m.store.SetScore(ctx, recentIndex, token, now); err != nil {
		return err
	}
	if item == "" {
		return nil
	}
	viewed := viewedPrefix + token
	if err := m.store.SetScore(ctx, viewed, item, now); err != nil {
		return err
	}
	if _, err := m.store.RemoveByRank(ctx, viewed, 0, -viewedPerToken-1); err != nil {
		return err
	}
	// Popularity counts down: one view subtracts one, so rank 0 is the
	// most viewed item.
	_, err := m.store.IncrScore(ctx, viewedIndex, item, -1)
	return err
}

// AddToCart sets the quantity of item in the token's cart, removing the
// item entirely when count <= 0.
func (m *Manager) AddToCart(ctx context.Context, token, item string, count int) error {
	if count <= 0 {
		return m.store.DeleteHashFields(ctx, cartPrefix+token, item)
	}
	return m.store.SetHashFields(ctx, cartPrefix+token, map[string]string{item: strconv.Itoa(count)})
}

// Cart returns the token's cart contents, item to quantity.
func (m *Manager) Cart(ctx context.Context, token string) (map[string]int, error) {
	fields, err := m.store.Hash(ctx, cartPrefix+token)
	if err != nil {
		return nil, err
	}
	cart := make(map[string]int, len(fields))
	for item, count := range fields {
		n, err := strconv.Atoi(count)
		if err != nil {
			return nil, err
		}
		cart[item] = n
	}
	return cart, nil
}

// ReaperConfig returns the eviction loop configuration that bounds the
// number of live sessions to limit. Evicting a session deletes its
// viewed items and cart and logs the token out.
func (m *Manager) ReaperConfig(limit, batch int64, poll time.Duration) reaper.Config {
	return reaper.Config{
		Index:        recentIndex,
		Limit:        limit,
		BatchSize:    batch,
		PollInterval: poll,
		Evict: func(ctx context.Context, tokens []string) error {
			keys := make([]string, 0, 2*len(tokens))
			for _, token := range tokens {
				keys = append(keys, viewedPrefix+token, cartPrefix+token)
			}
			if err := m.store.Delete(ctx, keys...); err != nil {
				return err
			}
			return m.store.DeleteHashFields(ctx, loginHash, tokens...)
		},
	}
}
