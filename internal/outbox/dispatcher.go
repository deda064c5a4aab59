// Package outbox drains events written during sale transactions and hands
// them to a publisher. Events ride in the same transaction as the sale, so
// a committed sale is never missing its events; the dispatcher only adds
// delivery, never loses rows.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 50

	// After this many failed attempts an event is parked as dead and needs
	// operator attention.
	maxAttempts = 10
)

type Dispatcher struct {
	db       store.DB
	pub      Publisher
	log      *zap.Logger
	interval time.Duration
	batch    int
}

func NewDispatcher(db store.DB, pub Publisher, log *zap.Logger, interval time.Duration, batch int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Dispatcher{db: db, pub: pub, log: log, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled. Blocking; callers start it in a
// goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("outbox dispatcher started",
		zap.Duration("interval", d.interval),
		zap.Int("batch", d.batch))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.log.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce processes one batch of pending events. Exported so tests and
// shutdown paths can flush without the ticker.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	events, err := d.db.PendingOutbox(ctx, d.batch)
	if err != nil {
		return err
	}

	for _, event := range events {
		attempts := event.Attempts + 1
		if err := d.pub.Publish(ctx, event); err != nil {
			status := domain.OutboxFailed
			if attempts >= maxAttempts {
				status = domain.OutboxDead
				d.log.Error("outbox event dead",
					zap.String("event_id", event.ID),
					zap.String("name", event.Name),
					zap.Int("attempts", attempts))
			} else {
				d.log.Warn("outbox publish failed",
					zap.String("event_id", event.ID),
					zap.String("name", event.Name),
					zap.Int("attempts", attempts),
					zap.Error(err))
			}
			if markErr := d.db.MarkOutbox(ctx, event.ID, status, attempts, nil); markErr != nil {
				return markErr
			}
			continue
		}

		now := time.Now().UTC()
		if err := d.db.MarkOutbox(ctx, event.ID, domain.OutboxSent, attempts, &now); err != nil {
			return err
		}
	}
	return nil
}
