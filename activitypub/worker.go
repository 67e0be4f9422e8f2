package activitypub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/deemkeen/anancus/store"
)

const (
	drainInterval  = 15 * time.Second
	drainBatchSize = 50
)

// StartDeliveryWorker starts a background loop draining the staging
// namespace until ctx is cancelled.
func (ob *Outbox) StartDeliveryWorker(ctx context.Context) {
	go func() {
		log.Printf("Deliver: worker started")
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("Deliver: worker stopped")
				return
			case <-ticker.C:
				ob.DrainStaging(ctx)
			}
		}
	}()
}

// DrainStaging pushes every staged object through translate, save, expand,
// and deliver. Transient failures leave the object staged for the next
// pass; permanent failures drop it with a log line.
func (ob *Outbox) DrainStaging(ctx context.Context) {
	keys, err := ob.Blobs.List(ctx, "staging/users/", drainBatchSize)
	if err != nil {
		log.Printf("Deliver: failed to list staging: %v", err)
		return
	}

	for _, key := range keys {
		if err := ob.PushStaged(ctx, key); err != nil {
			if errors.Is(err, ErrTransient) {
				log.Printf("Deliver: %s deferred: %v", key, err)
				continue
			}
			log.Printf("Deliver: dropping %s: %v", key, err)
		}
		if err := ob.Blobs.DeleteObject(ctx, key); err != nil {
			log.Printf("Deliver: failed to remove staged %s: %v", key, err)
		}
	}
}

// PushStaged processes one staged object end to end. A failed delivery to
// one recipient does not abort the others; the user's last-activity mark is
// updated after any successful delivery.
func (ob *Outbox) PushStaged(ctx context.Context, stagingKey string) error {
	username, err := store.UsernameFromStagingKey(stagingKey)
	if err != nil {
		return err
	}

	staged, err := ob.Blobs.LoadJSON(ctx, stagingKey)
	if err != nil {
		return err
	}

	activity, unique, err := ob.Translate(ctx, username, staged)
	if err != nil {
		return err
	}
	outboxKey, err := ob.SaveActivityInOutbox(ctx, username, activity, unique)
	if err != nil {
		return err
	}

	recipients, err := ob.ExpandRecipients(ctx, username, activity)
	if err != nil {
		return err
	}

	delivered := 0
	for _, inbox := range recipients {
		if err := ob.Deliver(ctx, username, outboxKey, inbox); err != nil {
			if errors.Is(err, ErrGone) {
				log.Printf("Deliver: recipient %s is gone, skipping", inbox)
				continue
			}
			if errors.Is(err, ErrTransient) {
				return err
			}
			log.Printf("Deliver: permanent failure for %s: %v", inbox, err)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		if err := ob.Users.UpdateLastActivity(ctx, username); err != nil {
			log.Printf("Deliver: failed to update last activity for %s: %v", username, err)
		}
	}
	log.Printf("Deliver: pushed %s to %d of %d recipients", stagingKey, delivered, len(recipients))
	return nil
}
