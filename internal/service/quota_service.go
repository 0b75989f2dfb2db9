package service

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"artifactvault/internal/domain"
	"artifactvault/internal/metrics"
)

const (
	SubjectLimitsUpdated = "quota.limits.updated"
	SubjectLimitsDeleted = "quota.limits.deleted"
)

// QuotaService negotiates per-scope limits against the scope tree.
type QuotaService struct {
	store    QuotaStore
	scopes   ScopeResolver
	notifier Notifier
}

func NewQuotaService(store QuotaStore, scopes ScopeResolver, notifier Notifier) *QuotaService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &QuotaService{
		store:    store,
		scopes:   scopes,
		notifier: notifier,
	}
}

// LimitsEvent is published whenever explicit limits of a scope change.
type LimitsEvent struct {
	Scope  string        `json:"scope"`
	Limits domain.Limits `json:"limits,omitempty"`
}

type bound struct {
	min       int64
	max       int64
	minReason string
	maxReason string
}

func (s *QuotaService) resolve(ctx context.Context, scopeID string) (domain.Scope, error) {
	if scopeID == "" {
		return domain.Scope{}, fmt.Errorf("%w: scope is required", domain.ErrValidation)
	}
	scope, err := s.scopes.Resolve(ctx, scopeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Scope{}, fmt.Errorf("%w: can't find domain or project for scope %s", domain.ErrValidation, scopeID)
		}
		return domain.Scope{}, fmt.Errorf("failed to resolve scope %s: %w", scopeID, err)
	}
	return scope, nil
}

// QuotaClasses returns the class defaults new projects start from.
func (s *QuotaService) QuotaClasses(ctx context.Context) (domain.Limits, error) {
	stored, err := s.store.GetClassDefaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota classes: %w", err)
	}
	defaults := domain.UnlimitedLimits()
	for c, v := range stored {
		if domain.IsKnownClass(c) {
			defaults[c] = v
		}
	}
	return defaults, nil
}

func (s *QuotaService) SetQuotaClasses(ctx context.Context, defaults domain.Limits) (domain.Limits, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	updated, err := s.store.SetClassDefaults(ctx, defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to set quota classes: %w", err)
	}
	log.WithField("defaults", updated).Info("quota class defaults updated")
	return updated, nil
}

// EffectiveLimits returns explicit limits when set, otherwise the defaults
// derived from the scope's place in the tree.
func (s *QuotaService) EffectiveLimits(ctx context.Context, scopeID string) (domain.Limits, error) {
	scope, err := s.resolve(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	return s.effectiveLimits(ctx, scope)
}

func (s *QuotaService) effectiveLimits(ctx context.Context, scope domain.Scope) (domain.Limits, error) {
	explicit, err := s.store.GetLimits(ctx, scope.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get limits for %s: %w", scope.ID, err)
	}
	if len(explicit) == len(domain.QuotaClasses) {
		return explicit, nil
	}

	defaults, err := s.defaultLimits(ctx, scope)
	if err != nil {
		return nil, err
	}
	for c, v := range explicit {
		defaults[c] = v
	}
	return defaults, nil
}

func (s *QuotaService) defaultLimits(ctx context.Context, scope domain.Scope) (domain.Limits, error) {
	if scope.IsDomain() {
		return domain.UnlimitedLimits(), nil
	}
	return s.ProjectDefaults(ctx, scope.Parent())
}

// ProjectDefaults computes the limits a project without explicit rows gets:
// the class defaults clamped by the parent domain's effective limits.
func (s *QuotaService) ProjectDefaults(ctx context.Context, domainID string) (domain.Limits, error) {
	defaults, err := s.QuotaClasses(ctx)
	if err != nil {
		return nil, err
	}
	if domainID == "" {
		return defaults, nil
	}

	domainLimits, err := s.store.GetLimits(ctx, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get limits for domain %s: %w", domainID, err)
	}
	for c, v := range domainLimits {
		defaults[c] = domain.MinLimit(defaults[c], v)
	}
	return defaults, nil
}

// SetLimits validates requested against the bounds implied by the scope tree
// and stores it. Bounds are computed from one store snapshot taken by the
// write itself. Nothing is applied when any class is out of bounds.
func (s *QuotaService) SetLimits(ctx context.Context, scopeID string, requested domain.Limits) (domain.Limits, error) {
	if err := requested.Validate(); err != nil {
		metrics.LimitUpdates.WithLabelValues("invalid").Inc()
		return nil, err
	}

	scope, err := s.resolve(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	related := []string{scope.ID}
	var children []domain.Scope
	if scope.IsDomain() {
		children, err = s.scopes.ChildrenOf(ctx, scope.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list projects of domain %s: %w", scope.ID, err)
		}
		for _, child := range children {
			related = append(related, child.ID)
		}
	} else if parent := scope.Parent(); parent != "" {
		related = append(related, parent)
	}

	check := func(snapshot domain.LimitSnapshot) error {
		var bounds map[domain.QuotaClass]*bound
		if scope.IsDomain() {
			bounds = domainBounds(children, snapshot)
		} else {
			bounds = projectBounds(scope, snapshot)
		}
		return checkBounds(scope, requested, bounds)
	}

	applied, err := s.store.SetLimits(ctx, scope.ID, requested, related, check)
	var violation *domain.LimitViolationError
	switch {
	case errors.As(err, &violation):
		metrics.LimitUpdates.WithLabelValues("rejected").Inc()
		return nil, err
	case err != nil:
		metrics.LimitUpdates.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to set limits for %s: %w", scope.ID, err)
	}
	metrics.LimitUpdates.WithLabelValues("applied").Inc()

	log.WithFields(log.Fields{"scope": scope.ID, "kind": scope.Kind, "limits": applied}).Info("quota limits updated")
	if err := s.notifier.Publish(ctx, SubjectLimitsUpdated, LimitsEvent{Scope: scope.ID, Limits: applied}); err != nil {
		log.WithError(err).WithField("scope", scope.ID).Warn("failed to publish limits update")
	}
	return applied, nil
}

func checkBounds(scope domain.Scope, requested domain.Limits, bounds map[domain.QuotaClass]*bound) error {
	var violations []domain.LimitViolation
	for _, c := range domain.QuotaClasses {
		value, b := requested[c], bounds[c]
		if domain.Exceeds(value, b.max) || (value != domain.Unlimited && value < b.min) {
			violations = append(violations, domain.LimitViolation{
				Class:     c,
				Value:     value,
				Min:       b.min,
				Max:       b.max,
				MinReason: b.minReason,
				MaxReason: b.maxReason,
			})
		}
	}
	if len(violations) > 0 {
		return &domain.LimitViolationError{Scope: scope.ID, Violations: violations}
	}
	return nil
}

func newBounds() map[domain.QuotaClass]*bound {
	bounds := make(map[domain.QuotaClass]*bound, len(domain.QuotaClasses))
	for _, c := range domain.QuotaClasses {
		bounds[c] = &bound{min: 0, max: domain.Unlimited, minReason: "N/A", maxReason: "N/A"}
	}
	return bounds
}

// projectBounds: the parent domain caps from above, current usage from below.
// A domain class without an explicit row is unlimited.
func projectBounds(scope domain.Scope, snapshot domain.LimitSnapshot) map[domain.QuotaClass]*bound {
	bounds := newBounds()

	if parent := scope.Parent(); parent != "" {
		for c, v := range snapshot.Limits[parent] {
			if b, ok := bounds[c]; ok {
				b.max = v
				b.maxReason = fmt.Sprintf("parent domain %s", parent)
			}
		}
	}

	for c, v := range snapshot.Usage[scope.ID] {
		if b, ok := bounds[c]; ok {
			b.min = v
			b.minReason = fmt.Sprintf("resource usage for project %s", scope.ID)
		}
	}
	return bounds
}

// domainBounds: a domain may not drop below what any child project is
// explicitly allotted or already uses. Allotments are applied before usage;
// the minimum is not re-derived between classes.
func domainBounds(children []domain.Scope, snapshot domain.LimitSnapshot) map[domain.QuotaClass]*bound {
	bounds := newBounds()

	for _, child := range children {
		for c, v := range snapshot.Limits[child.ID] {
			if b, ok := bounds[c]; ok && v > b.min {
				b.min = v
				b.minReason = fmt.Sprintf("quota value from project %s", child.ID)
			}
		}
	}

	for _, child := range children {
		for c, v := range snapshot.Usage[child.ID] {
			if b, ok := bounds[c]; ok && v > b.min {
				b.min = v
				b.minReason = fmt.Sprintf("resource usage in project %s", child.ID)
			}
		}
	}
	return bounds
}

// DeleteLimits drops explicit limits; the scope falls back to its defaults.
func (s *QuotaService) DeleteLimits(ctx context.Context, scopeID string) error {
	scope, err := s.resolve(ctx, scopeID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteLimits(ctx, scope.ID); err != nil {
		return fmt.Errorf("failed to delete limits for %s: %w", scope.ID, err)
	}

	log.WithField("scope", scope.ID).Info("quota limits reset to defaults")
	if err := s.notifier.Publish(ctx, SubjectLimitsDeleted, LimitsEvent{Scope: scope.ID}); err != nil {
		log.WithError(err).WithField("scope", scope.ID).Warn("failed to publish limits reset")
	}
	return nil
}

// Usage reports committed usage and the effective limit of every class.
// Only projects can be queried.
func (s *QuotaService) Usage(ctx context.Context, scopeID string) (map[domain.QuotaClass]domain.UsageEntry, error) {
	scope, err := s.resolve(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if scope.IsDomain() {
		return nil, fmt.Errorf("%w: usage request for domains is not allowed", domain.ErrPermissionDenied)
	}

	used, err := s.store.GetUsage(ctx, scope.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage for %s: %w", scope.ID, err)
	}
	limits, err := s.effectiveLimits(ctx, scope)
	if err != nil {
		return nil, err
	}

	usage := make(map[domain.QuotaClass]domain.UsageEntry, len(domain.QuotaClasses))
	for _, c := range domain.QuotaClasses {
		usage[c] = domain.UsageEntry{Usage: used[c], Limit: limits[c]}
	}
	return usage, nil
}
