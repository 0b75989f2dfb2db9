package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ArtifactStatus string

const (
	StatusQueued      ArtifactStatus = "queued"
	StatusSaving      ArtifactStatus = "saving"
	StatusUploading   ArtifactStatus = "uploading"
	StatusActive      ArtifactStatus = "active"
	StatusDeactivated ArtifactStatus = "deactivated"
	StatusKilled      ArtifactStatus = "killed"
	StatusDeleted     ArtifactStatus = "deleted"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case VisibilityPrivate, VisibilityPublic:
		return Visibility(s), nil
	}
	return "", fmt.Errorf("%w: unknown visibility %q", ErrValidation, s)
}

type ArtifactKind string

const (
	KindPrimary ArtifactKind = "primary"
	// KindDerived is a snapshot-like artifact charged against the snapshot classes too.
	KindDerived ArtifactKind = "derived"
)

func ParseKind(s string) (ArtifactKind, error) {
	switch ArtifactKind(s) {
	case "":
		return KindPrimary, nil
	case KindPrimary, KindDerived:
		return ArtifactKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown artifact kind %q", ErrValidation, s)
}

// Location points at stored bytes of an artifact.
type Location struct {
	URL     string `json:"url"`
	Backend string `json:"backend,omitempty"`
}

// IsExternal reports whether the bytes live outside of this system.
func (l Location) IsExternal() bool {
	return strings.HasPrefix(l.URL, "http://") || strings.HasPrefix(l.URL, "https://")
}

// Locations is stored as a jsonb column.
type Locations []Location

func (l Locations) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *Locations) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported locations type %T", src)
	}
	return json.Unmarshal(data, l)
}

type Artifact struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	Status     ArtifactStatus `json:"status" db:"status"`
	OwnerID    *string        `json:"owner_id,omitempty" db:"owner_id"`
	SizeBytes  *int64         `json:"size_bytes,omitempty" db:"size_bytes"`
	Visibility Visibility     `json:"visibility" db:"visibility"`
	Kind       ArtifactKind   `json:"kind" db:"kind"`
	Checksum   *string        `json:"checksum,omitempty" db:"checksum"`
	Locations  Locations      `json:"locations" db:"locations"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Size returns the stored size, zero when unknown.
func (a *Artifact) Size() int64 {
	if a.SizeBytes == nil {
		return 0
	}
	return *a.SizeBytes
}

func (a *Artifact) Owner() string {
	if a.OwnerID == nil {
		return ""
	}
	return *a.OwnerID
}

// PrimaryLocation returns the first location, if any.
func (a *Artifact) PrimaryLocation() (Location, bool) {
	if len(a.Locations) == 0 {
		return Location{}, false
	}
	return a.Locations[0], true
}

// NewArtifact describes an artifact record to create.
type NewArtifact struct {
	Name       string       `json:"name"`
	Visibility Visibility   `json:"visibility"`
	Kind       ArtifactKind `json:"kind"`
	OwnerID    string       `json:"owner_id,omitempty"`
}

// ArtifactMeta is the projection of an artifact the quota engine decides on.
// Owner is empty when unknown, Size is zero when unknown, Location is empty
// when the artifact has no stored bytes yet.
type ArtifactMeta struct {
	ID       uuid.UUID
	Status   ArtifactStatus
	Owner    string
	Size     int64
	Public   bool
	Kind     ArtifactKind
	Location Location
}

// MetaFromArtifact builds quota metadata, using fallbackOwner when the
// artifact has no owner recorded.
func MetaFromArtifact(a *Artifact, fallbackOwner string) ArtifactMeta {
	meta := ArtifactMeta{
		ID:     a.ID,
		Status: a.Status,
		Owner:  a.Owner(),
		Size:   a.Size(),
		Public: a.Visibility == VisibilityPublic,
		Kind:   a.Kind,
	}
	if meta.Owner == "" {
		meta.Owner = fallbackOwner
	}
	if loc, ok := a.PrimaryLocation(); ok {
		meta.Location = loc
	}
	return meta
}

// Progress describes an in-flight transfer.
type Progress struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	Written    int64     `json:"written"`
	Total      int64     `json:"total"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Percentage returns the completion ratio in percent, or 0 when the total is unknown.
func (p *Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Written) / float64(p.Total) * 100
}
