package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// QuotaClass is one countable resource dimension tracked per scope.
type QuotaClass string

const (
	ClassArtifactsNumber QuotaClass = "total_artifacts_number"
	ClassArtifactsSize   QuotaClass = "total_artifacts_size"
	ClassSnapshotsNumber QuotaClass = "total_snapshots_number"
	ClassSnapshotsSize   QuotaClass = "total_snapshots_size"
)

// QuotaClasses lists every known class in a stable order.
var QuotaClasses = []QuotaClass{
	ClassArtifactsNumber,
	ClassArtifactsSize,
	ClassSnapshotsNumber,
	ClassSnapshotsSize,
}

// Unlimited marks a limit without an upper bound.
const Unlimited int64 = -1

// DefaultReservationLease bounds how long an uncommitted reservation keeps capacity held.
const DefaultReservationLease = 5 * time.Hour

func IsKnownClass(c QuotaClass) bool {
	for _, known := range QuotaClasses {
		if known == c {
			return true
		}
	}
	return false
}

// Limits maps quota classes to hard limits.
type Limits map[QuotaClass]int64

// Amounts maps quota classes to reserved or used quantities.
type Amounts map[QuotaClass]int64

// UnlimitedLimits returns a full set of unrestricted limits.
func UnlimitedLimits() Limits {
	limits := make(Limits, len(QuotaClasses))
	for _, c := range QuotaClasses {
		limits[c] = Unlimited
	}
	return limits
}

// Clone returns an independent copy.
func (l Limits) Clone() Limits {
	out := make(Limits, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Validate checks that l names every known class, nothing else, and that
// every value is either Unlimited or non-negative.
func (l Limits) Validate() error {
	var missing []QuotaClass
	for _, c := range QuotaClasses {
		if _, ok := l[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: the following quotas are not found in update request: %v", ErrValidation, missing)
	}
	for c, v := range l {
		if !IsKnownClass(c) {
			return fmt.Errorf("%w: unknown quota class %q", ErrValidation, c)
		}
		if v < Unlimited {
			return fmt.Errorf("%w: quota %s must be -1 or a non-negative integer, got %d", ErrValidation, c, v)
		}
	}
	return nil
}

// Exceeds reports whether value breaks the upper bound limit.
func Exceeds(value, limit int64) bool {
	return limit != Unlimited && value > limit
}

// MinLimit returns the tighter of two limits, treating Unlimited as infinity.
func MinLimit(a, b int64) int64 {
	if a == Unlimited {
		return b
	}
	if b == Unlimited {
		return a
	}
	return min(a, b)
}

// FormatLimit renders a limit for human-readable messages.
func FormatLimit(v int64) string {
	if v == Unlimited || v == math.MaxInt64 {
		return "not restricted"
	}
	return fmt.Sprintf("%d", v)
}

// QuotaClassDefault is a row of the quota_classes table.
type QuotaClassDefault struct {
	Name         QuotaClass `json:"name" db:"name"`
	DefaultLimit int64      `json:"default_limit" db:"default_limit"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// QuotaLimit is an explicit per-scope limit row.
type QuotaLimit struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Scope      string     `json:"scope" db:"scope"`
	QuotaClass QuotaClass `json:"quota_class" db:"quota_class"`
	HardLimit  int64      `json:"hard_limit" db:"hard_limit"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Reservation is capacity held for one artifact operation. A nil ExpireAt
// means the reservation has been committed and counts as usage.
type Reservation struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Scope       string     `json:"scope" db:"scope"`
	QuotaClass  QuotaClass `json:"quota_class" db:"quota_class"`
	Reserved    int64      `json:"reserved" db:"reserved"`
	ArtifactID  uuid.UUID  `json:"artifact_id" db:"artifact_id"`
	ExpireAt    *time.Time `json:"expire_at,omitempty" db:"expire_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty" db:"committed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// LimitSnapshot holds explicit limits and committed usage of a set of scopes
// as read by the transaction that writes new limits.
type LimitSnapshot struct {
	Limits map[string]Limits
	Usage  map[string]Amounts
}

// UsageEntry pairs current usage of a class with its effective limit.
type UsageEntry struct {
	Usage int64 `json:"usage"`
	Limit int64 `json:"limit"`
}
