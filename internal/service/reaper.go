package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"artifactvault/internal/metrics"
)

// Reaper purges pending reservations whose lease has expired. Expired
// reservations are already ignored by usage and limit checks; reaping only
// keeps the table small.
type Reaper struct {
	store QuotaStore
	now   func() time.Time
}

func NewReaper(store QuotaStore) *Reaper {
	return &Reaper{store: store, now: time.Now}
}

// Reap deletes every expired reservation and reports how many were removed.
func (r *Reaper) Reap(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredReservations(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired reservations: %w", err)
	}
	if n > 0 {
		metrics.ReapedReservations.Add(float64(n))
		log.WithField("count", n).Info("expired reservations reaped")
	}
	return n, nil
}

// Run reaps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil {
				log.WithError(err).Error("reservation reaper failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
