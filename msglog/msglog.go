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

// Package msglog aggregates application log messages in the store: a
// capped list of the most recent messages per source and severity, and
// hourly counts of the most common messages.
//
// The hourly counts live in a "current" bucket named by the hour it
// started. When a writer observes the wall-clock hour has advanced, it
// archives the whole bucket under a "last" suffix and starts a fresh
// one. The rollover and the count increment ride one optimistic
// transaction watching the bucket's start marker, so exactly one racing
// writer performs the rollover and none of them double-archive.
package msglog

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/sysiya/redis-action/kv"
	"github.com/sysiya/redis-action/optimistic"
)

// Severity is a log severity label.
type Severity string

// Severities, lowest to highest.
const (
	Debug    Severity = "debug"
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// SeverityOf maps a logging.Level to its Severity.
func SeverityOf(level logging.Level) Severity {
	switch level {
	case logging.Debug:
		return Debug
	case logging.Warning:
		return Warning
	case logging.Error:
		return Error
	default:
		return Info
	}
}

// How many recent messages are kept per source and severity.
const recentCap = 100

// RecentKey is the list key holding the newest messages for a source
// and severity.
func RecentKey(source string, severity Severity) string {
	return "recent:" + source + ":" + string(severity)
}

// CommonKey is the ordered index holding the current hour's message
// counts for a source and severity. The archived previous hour lives
// under CommonKey + ":last".
func CommonKey(source string, severity Severity) string {
	return "common:" + source + ":" + string(severity)
}

// Recent records message on the source's recent-message list,
// timestamp-prefixed, keeping the newest 100 and silently dropping the
// oldest. Single-key, so no coordination is needed.
func Recent(ctx context.Context, s kv.Store, source string, severity Severity, message string) error {
	return s.PushCapped(ctx, RecentKey(source, severity), stamp(ctx, message), recentCap)
}

// Common bumps the message's count in the source's current hour bucket
// and mirrors the message onto the recent list, in one transaction.
//
// When the wall-clock hour has advanced past the bucket's start marker,
// the writer first archives the bucket: the counts index is renamed to
// ":last", the marker to ":pstart", and a fresh marker is set. TimedOut
// means the increment lost every race within budget and was dropped;
// it is logged, not retried further.
func Common(ctx context.Context, s kv.Store, source string, severity Severity, message string, budget time.Duration) (optimistic.Result, error) {
	destination := CommonKey(source, severity)
	startKey := destination + ":start"
	recent := stamp(ctx, message)

	result, err := optimistic.Run(ctx, s, []string{startKey}, budget, func(tx kv.Txn) (bool, error) {
		hour := hourStart(clock.Now(ctx))
		existing, ok, err := tx.GetString(startKey)
		if err != nil {
			return false, err
		}
		tx.Begin()
		switch {
		case !ok:
			// First message this source has ever recorded.
			tx.SetString(startKey, hour)
		case existing < hour:
			tx.Rename(destination, destination+":last")
			tx.Rename(startKey, destination+":pstart")
			tx.SetString(startKey, hour)
		}
		tx.IncrScore(destination, message, 1)
		tx.PushCapped(RecentKey(source, severity), recent, recentCap)
		return true, nil
	})
	if err == nil && result == optimistic.TimedOut {
		logging.Warningf(ctx, "msglog: dropping count for %q: contention outlasted %s", message, budget)
	}
	return result, err
}

// hourStart renders the ISO 8601 start of t's UTC hour, e.g.
// "2006-01-02T15:00:00". Lexical comparison of two rendered hours
// matches their chronological order.
func hourStart(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15:04:05")
}

func stamp(ctx context.Context, message string) string {
	return clock.Now(ctx).UTC().Format(time.ANSIC) + " " + message
}
