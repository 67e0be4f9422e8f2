// Package stats maintains the derived counters (followerCount,
// followingCount, replyCount) from the change feed of the wide table. The
// feed is the only counter authority; edge mutation sites never adjust
// counters themselves.
package stats

import (
	"context"
	"log"
	"strings"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
)

// counterKey identifies one (record, counter) pair in the accumulator.
type counterKey struct {
	pk   string
	sk   string
	attr string
}

// Maintainer folds change events into counter deltas and flushes them as
// batched updates. A Maintainer is created fresh per invocation; it holds
// no state across invocations.
type Maintainer struct {
	kv *db.DB
}

func NewMaintainer(kv *db.DB) *Maintainer {
	return &Maintainer{kv: kv}
}

// Apply folds all given events into per-counter deltas and flushes them in
// batches of at most db.MaxBatchSize statements. Failed statements are
// logged individually and not retried here; the caller decides whether the
// invocation as a whole is retried.
func (m *Maintainer) Apply(ctx context.Context, events []domain.ChangeEvent) error {
	deltas := map[counterKey]int64{}
	order := []counterKey{}

	for _, ev := range events {
		key, delta, ok := classify(ev)
		if !ok {
			continue
		}
		if _, seen := deltas[key]; !seen {
			order = append(order, key)
		}
		deltas[key] += delta
	}

	var updates []db.CounterUpdate
	for _, key := range order {
		if deltas[key] == 0 {
			continue
		}
		updates = append(updates, db.CounterUpdate{
			PK:    key.pk,
			SK:    key.sk,
			Attr:  key.attr,
			Delta: deltas[key],
		})
	}

	for start := 0; start < len(updates); start += db.MaxBatchSize {
		end := min(start+db.MaxBatchSize, len(updates))
		results, err := m.kv.BatchUpdateCounters(ctx, updates[start:end])
		if err != nil {
			return err
		}
		for i, res := range results {
			if res != nil {
				u := updates[start+i]
				log.Printf("Stats: counter update failed: pk=%s attr=%s delta=%d: %v", u.PK, u.Attr, u.Delta, res)
			}
		}
	}
	return nil
}

// classify maps one stream record onto the counter it feeds.
func classify(ev domain.ChangeEvent) (counterKey, int64, bool) {
	delta := int64(1)
	if ev.EventName == domain.EventRemove {
		delta = -1
	} else if ev.EventName != domain.EventInsert {
		return counterKey{}, 0, false
	}

	if username, ok := strings.CutPrefix(ev.PK, "follower:"); ok {
		return counterKey{pk: "user:" + username, sk: "reserved", attr: "followerCount"}, delta, true
	}
	if username, ok := strings.CutPrefix(ev.PK, "followee:"); ok {
		return counterKey{pk: "user:" + username, sk: "reserved", attr: "followingCount"}, delta, true
	}
	if strings.HasPrefix(ev.PK, "object:") && strings.HasPrefix(ev.SK, "reply:") {
		return counterKey{pk: ev.PK, sk: "metadata", attr: "replyCount"}, delta, true
	}
	return counterKey{}, 0, false
}
