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

// Package vote implements an article voting site: publishing, one vote
// per user per article within a voting window, score and time ordered
// listings, and article groups.
//
// A vote must atomically maintain three pieces of state: the article's
// voter membership set, its score, and its vote counter. That update
// goes through the optimistic protocol watching the membership set, so
// racing voters on one article serialize by retrying; a voter that
// cannot commit within the budget is dropped.
package vote

import (
	"context"
	"strconv"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/sysiya/redis-action/kv"
	"github.com/sysiya/redis-action/optimistic"
)

const (
	// VoteScore is how much one vote adds to an article's score. With a
	// one week window, an article needs about 200 daily votes to stay
	// ahead of a fresh post.
	VoteScore = 432

	// Window is how long an article accepts votes after publishing.
	Window = 7 * 24 * time.Hour

	// PageSize is how many articles a listing page holds.
	PageSize = 25

	// How long a materialized group listing is reused before the
	// intersection is recomputed.
	groupCacheTTL = time.Minute

	// How long one vote may retry before it is dropped.
	voteBudget = 5 * time.Second
)

const (
	idCounter   = "article:" // INCR source for article ids
	scoreIndex  = "score:"   // article key -> score
	timeIndex   = "time:"    // article key -> publish unix time
	votedPrefix = "voted:"   // voted:<id>: set of users who voted
	groupPrefix = "group:"   // group:<name>: set of article keys
)

// Order selects how listings are sorted.
type Order string

// Listing orders. Their values double as the backing index keys.
const (
	ByScore Order = scoreIndex
	ByTime  Order = timeIndex
)

// Article is one published article.
type Article struct {
	ID     string
	Title  string
	Link   string
	Poster string
	Posted time.Time
	Votes  int64
}

// Service implements the voting site over a store.
type Service struct {
	store kv.Store
}

// NewService returns a Service over the given store.
func NewService(s kv.Store) *Service {
	return &Service{store: s}
}

// Publish posts a new article and returns its id.
//
// The poster counts as the first voter: the membership set is seeded
// with them, the vote counter starts at 1, and the article enters the
// score index at now + VoteScore so new posts start competitively
// ranked. The membership set expires with the voting window.
func (v *Service) Publish(ctx context.Context, poster, title, link string) (string, error) {
	n, err := v.store.Increment(ctx, idCounter)
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(n, 10)
	article := articleKey(id)

	voted := votedPrefix + id
	if _, err := v.store.AddMember(ctx, voted, poster); err != nil {
		return "", err
	}
	if err := v.store.Expire(ctx, voted, Window); err != nil {
		return "", err
	}

	now := clock.Now(ctx)
	err = v.store.SetHashFields(ctx, article, map[string]string{
		"title":  title,
		"link":   link,
		"poster": poster,
		"time":   strconv.FormatInt(now.Unix(), 10),
		"votes":  "1",
	})
	if err != nil {
		return "", err
	}
	if err := v.store.SetScore(ctx, scoreIndex, article, float64(now.Unix())+VoteScore); err != nil {
		return "", err
	}
	if err := v.store.SetScore(ctx, timeIndex, article, float64(now.Unix())); err != nil {
		return "", err
	}
	return id, nil
}

// Vote records one vote by user on the article.
//
// A second vote by the same user is Unchanged: neither the counter nor
// the score moves. Voting after the article's window has elapsed is
// also Unchanged. TimedOut means the vote lost every race within the
// budget and was dropped; it is logged, not retried further.
func (v *Service) Vote(ctx context.Context, user, articleID string) (optimistic.Result, error) {
	article := articleKey(articleID)
	posted, ok, err := v.store.Score(ctx, timeIndex, article)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Fmt("vote: unknown article %q", articleID)
	}
	if float64(clock.Now(ctx).Add(-Window).Unix()) > posted {
		return optimistic.Unchanged, nil
	}

	voted := votedPrefix + articleID
	result, err := optimistic.Run(ctx, v.store, []string{voted}, voteBudget, func(tx kv.Txn) (bool, error) {
		member, err := tx.IsMember(voted, user)
		if err != nil || member {
			return false, err
		}
		tx.Begin()
		tx.AddMember(voted, user)
		tx.IncrScore(scoreIndex, article, VoteScore)
		tx.IncrHashField(article, "votes", 1)
		return true, nil
	})
	if err == nil && result == optimistic.TimedOut {
		logging.Warningf(ctx, "vote: dropping vote by %q on article %q: contention outlasted %s", user, articleID, voteBudget)
	}
	return result, err
}

// Article returns one article by id.
func (v *Service) Article(ctx context.Context, id string) (*Article, error) {
	return v.hydrate(ctx, articleKey(id))
}

// List returns one page of articles in descending order, best first.
// Pages are numbered from 1.
func (v *Service) List(ctx context.Context, order Order, page int) ([]*Article, error) {
	return v.list(ctx, string(order), page)
}

// AddToGroups adds the article to the given groups.
func (v *Service) AddToGroups(ctx context.Context, articleID string, groups ...string) error {
	article := articleKey(articleID)
	for _, group := range groups {
		if _, err := v.store.AddMember(ctx, groupPrefix+group, article); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFromGroups removes the article from the given groups.
func (v *Service) RemoveFromGroups(ctx context.Context, articleID string, groups ...string) error {
	article := articleKey(articleID)
	for _, group := range groups {
		if err := v.store.RemoveMember(ctx, groupPrefix+group, article); err != nil {
			return err
		}
	}
	return nil
}

// ListGroup returns one page of a group's articles in descending
// order.
//
// The group's members are intersected with the order index into a
// short-lived cached index, so repeated page requests from the same
// group skip the recomputation. The cache holds for a minute; group
// membership changes can lag a listing by that much.
func (v *Service) ListGroup(ctx context.Context, group string, order Order, page int) ([]*Article, error) {
	key := string(order) + group
	ok, err := v.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		sources := map[string]float64{
			groupPrefix + group: 1,
			string(order):       1,
		}
		if err := v.store.IntersectInto(ctx, key, sources, kv.AggregateMax); err != nil {
			return nil, err
		}
		if err := v.store.Expire(ctx, key, groupCacheTTL); err != nil {
			return nil, err
		}
	}
	return v.list(ctx, key, page)
}

func (v *Service) list(ctx context.Context, index string, page int) ([]*Article, error) {
	if page < 1 {
		return nil, errors.Fmt("vote: page %d out of range", page)
	}
	start := int64(page-1) * PageSize
	entries, err := v.store.RangeByRank(ctx, index, start, start+PageSize-1, true)
	if err != nil {
		return nil, err
	}
	articles := make([]*Article, 0, len(entries))
	for _, e := range entries {
		a, err := v.hydrate(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, nil
}

func (v *Service) hydrate(ctx context.Context, article string) (*Article, error) {
	fields, err := v.store.Hash(ctx, article)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.Fmt("vote: unknown article %q", article)
	}
	posted, err := strconv.ParseInt(fields["time"], 10, 64)
	if err != nil {
		return nil, errors.Fmt("vote: article %q has bad time: %w", article, err)
	}
	votes, err := strconv.ParseInt(fields["votes"], 10, 64)
	if err != nil {
		return nil, errors.Fmt("vote: article %q has bad vote count: %w", article, err)
	}
	return &Article{
		ID:     article[len(idCounter):],
		Title:  fields["title"],
		Link:   fields["link"],
		Poster: fields["poster"],
		Posted: time.Unix(posted, 0),
		Votes:  votes,
	}, nil
}

func articleKey(id string) string {
	return idCounter + id
}
