package service

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"artifactvault/internal/metrics"
)

// CleanupPolicy decides what happens when a compensating action fails.
type CleanupPolicy int

const (
	// LogAndContinue logs and counts the failure; the caller's original error wins.
	LogAndContinue CleanupPolicy = iota
	// Propagate returns the failure to the caller.
	Propagate
)

// Compensation runs compensating actions under a fixed policy.
type Compensation struct {
	Policy CleanupPolicy
	Fields log.Fields
}

// Run executes fn detached from ctx cancellation. With LogAndContinue it
// always returns nil.
func (c Compensation) Run(ctx context.Context, action string, fn func(ctx context.Context) error) error {
	err := fn(context.WithoutCancel(ctx))
	if err == nil {
		return nil
	}

	if c.Policy == Propagate {
		return fmt.Errorf("compensation %s failed: %w", action, err)
	}

	metrics.CompensationFailures.WithLabelValues(action).Inc()
	log.WithError(err).WithFields(c.Fields).WithField("action", action).Warn("compensating action failed")
	return nil
}
