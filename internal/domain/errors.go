package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrCapacityExhausted  = errors.New("storage capacity exhausted")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrIntegrityViolation = errors.New("integrity verification failed")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrConflict           = errors.New("conflict")
	ErrGone               = errors.New("gone")
)

// QuotaExceededError is returned when a reservation would push a scope over its limit.
type QuotaExceededError struct {
	Scope     string
	Class     QuotaClass
	Limit     int64
	Usage     int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota %s exceeded for scope %s: limit %d, used %d, requested %d",
		e.Class, e.Scope, e.Limit, e.Usage, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// LimitViolation describes one class of a rejected limit update.
type LimitViolation struct {
	Class     QuotaClass `json:"class"`
	Value     int64      `json:"value"`
	Min       int64      `json:"min"`
	Max       int64      `json:"max"`
	MinReason string     `json:"min_reason"`
	MaxReason string     `json:"max_reason"`
}

func (v LimitViolation) String() string {
	return fmt.Sprintf("Incorrect quota value for %s. Quota value (%d) must be between min(%d) and max(%s). "+
		"Max value got from: %s. Min value got from: %s.",
		v.Class, v.Value, v.Min, FormatLimit(v.Max), v.MaxReason, v.MinReason)
}

// LimitViolationError rejects a limit update as a whole.
type LimitViolationError struct {
	Scope      string
	Violations []LimitViolation
}

func (e *LimitViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, " ")
}

func (e *LimitViolationError) Unwrap() error { return ErrValidation }
