package stats

import (
	"context"
	"log"
	"time"

	"github.com/deemkeen/anancus/db"
)

const (
	drainInterval = 5 * time.Second
	drainBatch    = 100
)

// StartWorker drains the change feed on an interval until ctx is cancelled.
// Each tick runs a fresh Maintainer over the pending events and trims the
// feed only after a successful flush, so a failed invocation is replayed.
func StartWorker(ctx context.Context, kv *db.DB) {
	go func() {
		log.Printf("Stats: worker started (interval %s)", drainInterval)
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("Stats: worker stopped")
				return
			case <-ticker.C:
				if err := DrainOnce(ctx, kv); err != nil {
					log.Printf("Stats: drain failed: %v", err)
				}
			}
		}
	}()
}

// DrainOnce consumes all currently pending change events.
func DrainOnce(ctx context.Context, kv *db.DB) error {
	for {
		events, err := kv.ReadChanges(ctx, 0, drainBatch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if err := NewMaintainer(kv).Apply(ctx, events); err != nil {
			return err
		}
		if err := kv.DeleteChangesThrough(ctx, events[len(events)-1].Seq); err != nil {
			return err
		}
		if len(events) < drainBatch {
			return nil
		}
	}
}
