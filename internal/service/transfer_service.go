package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"artifactvault/internal/domain"
	"artifactvault/internal/metrics"
)

const (
	SubjectArtifactActivated = "artifact.activated"
	SubjectArtifactKilled    = "artifact.killed"
	SubjectArtifactRestored  = "artifact.restored"
	SubjectArtifactDeleted   = "artifact.deleted"
	SubjectQuotaExceeded     = "quota.exceeded"
)

const (
	BackendStore   = "store"
	BackendStaging = "staging"
)

// ArtifactEvent is published on artifact lifecycle changes.
type ArtifactEvent struct {
	ArtifactID uuid.UUID             `json:"artifact_id"`
	Status     domain.ArtifactStatus `json:"status"`
	Owner      string                `json:"owner,omitempty"`
	Size       int64                 `json:"size,omitempty"`
	Error      string                `json:"error,omitempty"`
	At         time.Time             `json:"at"`
}

type TransferOptions struct {
	// MaxSize caps a single artifact in bytes; zero disables the cap.
	MaxSize       int64
	CleanupPolicy CleanupPolicy
	Refresher     TokenRefresher
	Notifier      Notifier
	Progress      ProgressTracker
}

// TransferService moves artifact bytes through the status state machine and
// brackets every durable change with the matching quota action.
type TransferService struct {
	artifacts    ArtifactStore
	reservations *ReservationManager
	store        ByteStore
	staging      ByteStore
	refresher    TokenRefresher
	notifier     Notifier
	progress     ProgressTracker
	maxSize      int64
	policy       CleanupPolicy
}

func NewTransferService(
	artifacts ArtifactStore,
	reservations *ReservationManager,
	store ByteStore,
	staging ByteStore,
	opts TransferOptions,
) *TransferService {
	s := &TransferService{
		artifacts:    artifacts,
		reservations: reservations,
		store:        store,
		staging:      staging,
		refresher:    opts.Refresher,
		notifier:     opts.Notifier,
		progress:     opts.Progress,
		maxSize:      opts.MaxSize,
		policy:       opts.CleanupPolicy,
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.progress == nil {
		s.progress = noopProgress{}
	}
	return s
}

// Transfer is an upload in progress: the artifact is in saving and From is
// the status it left.
type Transfer struct {
	Artifact *domain.Artifact
	From     domain.ArtifactStatus
	Caller   domain.Caller
}

// TransferOutcome is what the data path reports back once the bytes are written.
type TransferOutcome struct {
	Location         string
	Backend          string
	Size             int64
	Checksum         string
	ExpectedChecksum string
	Err              error
}

type UploadRequest struct {
	ArtifactID uuid.UUID
	Body       io.Reader
	// Size is the declared length, -1 when unknown.
	Size     int64
	Checksum string
}

// Download is a readable slice of an artifact. Range is resolved before
// Body yields anything.
type Download struct {
	Artifact *domain.Artifact
	Resolved ResolvedRange
	Size     int64
	Body     io.ReadCloser
}

func (s *TransferService) compensation(id uuid.UUID) Compensation {
	return Compensation{Policy: s.policy, Fields: log.Fields{"artifact_id": id}}
}

func (s *TransferService) publish(ctx context.Context, subject string, a *domain.Artifact, cause error) {
	event := ArtifactEvent{
		ArtifactID: a.ID,
		Status:     a.Status,
		Owner:      a.Owner(),
		Size:       a.Size(),
		At:         time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := s.notifier.Publish(context.WithoutCancel(ctx), subject, event); err != nil {
		log.WithError(err).WithFields(log.Fields{"artifact_id": a.ID, "subject": subject}).Warn("failed to publish event")
	}
}

func (s *TransferService) load(ctx context.Context, id uuid.UUID) (*domain.Artifact, error) {
	a, err := s.artifacts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.StatusDeleted {
		return nil, fmt.Errorf("%w: artifact %s", domain.ErrNotFound, id)
	}
	return a, nil
}

func canWrite(caller domain.Caller, a *domain.Artifact) bool {
	return caller.IsAdmin() || (caller.ProjectID != "" && a.Owner() == caller.ProjectID)
}

func canRead(caller domain.Caller, a *domain.Artifact) bool {
	return a.Visibility == domain.VisibilityPublic || canWrite(caller, a)
}

func (s *TransferService) loadForWrite(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Artifact, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canWrite(caller, a) {
		return nil, fmt.Errorf("%w: artifact %s is not owned by %s", domain.ErrPermissionDenied, id, caller.ProjectID)
	}
	return a, nil
}

// CreateArtifact registers a queued artifact. The owner defaults to the
// caller's project; only admins create artifacts for other projects.
func (s *TransferService) CreateArtifact(ctx context.Context, caller domain.Caller, req domain.NewArtifact) (*domain.Artifact, error) {
	owner := req.OwnerID
	if owner == "" {
		owner = caller.ProjectID
	}
	if owner != caller.ProjectID && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: cannot create artifacts for project %s", domain.ErrPermissionDenied, owner)
	}

	visibility := domain.VisibilityPrivate
	if req.Visibility != "" {
		v, err := domain.ParseVisibility(string(req.Visibility))
		if err != nil {
			return nil, err
		}
		visibility = v
	}
	kind, err := domain.ParseKind(string(req.Kind))
	if err != nil {
		return nil, err
	}

	a := &domain.Artifact{
		ID:         uuid.New(),
		Name:       strings.TrimSpace(req.Name),
		Status:     domain.StatusQueued,
		Visibility: visibility,
		Kind:       kind,
	}
	if owner != "" {
		a.OwnerID = &owner
	}
	if err := s.artifacts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	log.WithFields(log.Fields{"artifact_id": a.ID, "owner": owner, "kind": kind}).Info("artifact created")
	return a, nil
}

func (s *TransferService) GetArtifact(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Artifact, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(caller, a) {
		return nil, fmt.Errorf("%w: artifact %s", domain.ErrNotFound, id)
	}
	return a, nil
}

// BeginTransfer moves a queued or staged artifact to saving.
func (s *TransferService) BeginTransfer(ctx context.Context, caller domain.Caller, id uuid.UUID) (*Transfer, error) {
	return s.beginTransfer(ctx, caller, id, domain.StatusQueued, domain.StatusUploading)
}

func (s *TransferService) beginTransfer(ctx context.Context, caller domain.Caller, id uuid.UUID, allowed ...domain.ArtifactStatus) (*Transfer, error) {
	a, err := s.loadForWrite(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	from := a.Status
	if !statusIn(from, allowed...) {
		return nil, fmt.Errorf("%w: artifact %s is %s", domain.ErrConflict, id, from)
	}

	a.Status = domain.StatusSaving
	if err := s.artifacts.Save(ctx, a, from); err != nil {
		a.Status = from
		return nil, fmt.Errorf("failed to start transfer of %s: %w", id, err)
	}
	return &Transfer{Artifact: a, From: from, Caller: caller}, nil
}

func statusIn(status domain.ArtifactStatus, set ...domain.ArtifactStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// CompleteTransfer settles a transfer. Checksum verification and the final
// save to active run inside the quota bracket; any failure is routed to its
// compensating path and returned unchanged.
func (s *TransferService) CompleteTransfer(ctx context.Context, t *Transfer, outcome TransferOutcome) (*domain.Artifact, error) {
	a := t.Artifact
	if outcome.Err != nil {
		return nil, s.fail(ctx, t, outcome.Location, outcome.Err)
	}

	size := outcome.Size
	a.SizeBytes = &size
	backend := outcome.Backend
	if backend == "" {
		backend = BackendStore
	}
	a.Locations = domain.Locations{{URL: outcome.Location, Backend: backend}}
	if outcome.Checksum != "" {
		checksum := outcome.Checksum
		a.Checksum = &checksum
	}

	meta := domain.MetaFromArtifact(a, t.Caller.ProjectID)
	action, err := s.reservations.Decide(ctx, t.From, domain.StatusActive, meta)
	if err != nil {
		return nil, s.fail(ctx, t, outcome.Location, err)
	}

	err = s.reservations.Within(ctx, action, meta, func(ctx context.Context) error {
		if outcome.ExpectedChecksum != "" && !strings.EqualFold(outcome.ExpectedChecksum, outcome.Checksum) {
			return fmt.Errorf("%w: checksum %s does not match expected %s",
				domain.ErrIntegrityViolation, outcome.Checksum, outcome.ExpectedChecksum)
		}
		a.Status = domain.StatusActive
		return s.saveActive(ctx, a)
	})
	if err != nil {
		return nil, s.fail(ctx, t, outcome.Location, err)
	}

	log.WithFields(log.Fields{
		"artifact_id": a.ID,
		"size":        size,
		"action":      action,
	}).Info("artifact activated")
	s.publish(ctx, SubjectArtifactActivated, a, nil)
	s.reportProgress(ctx, a, size, "")
	return a, nil
}

// saveActive persists saving -> active, retrying once with refreshed
// credentials when the store rejects the caller's token.
func (s *TransferService) saveActive(ctx context.Context, a *domain.Artifact) error {
	err := s.artifacts.Save(ctx, a, domain.StatusSaving)
	if errors.Is(err, domain.ErrNotAuthenticated) && s.refresher != nil {
		log.WithField("artifact_id", a.ID).Info("authentication expired while saving, refreshing token")
		refreshed, refreshErr := s.refresher.Refresh(ctx)
		if refreshErr != nil {
			return fmt.Errorf("failed to refresh token: %w", errors.Join(err, refreshErr))
		}
		err = s.artifacts.Save(refreshed, a, domain.StatusSaving)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
		return fmt.Errorf("%w: artifact %s was removed during upload", domain.ErrGone, a.ID)
	default:
		return fmt.Errorf("failed to save artifact %s: %w", a.ID, err)
	}
}

// fail runs the compensation matching cause and returns cause. With the
// Propagate policy a failed compensation is joined to it.
func (s *TransferService) fail(ctx context.Context, t *Transfer, location string, cause error) error {
	a := t.Artifact
	comp := s.compensation(a.ID)
	var compErrs []error

	if location != "" {
		compErrs = append(compErrs, comp.Run(ctx, "delete_bytes", func(ctx context.Context) error {
			return s.store.Delete(ctx, location)
		}))
	}

	switch {
	case errors.Is(cause, domain.ErrGone):
		log.WithField("artifact_id", a.ID).Warn("artifact disappeared during upload")

	case errors.Is(cause, domain.ErrIntegrityViolation):
		a.Status = domain.StatusKilled
		a.Locations = nil
		compErrs = append(compErrs, comp.Run(ctx, "kill_artifact", func(ctx context.Context) error {
			return s.artifacts.Save(ctx, a, domain.StatusSaving)
		}))
		log.WithError(cause).WithField("artifact_id", a.ID).Error("artifact killed")
		s.publish(ctx, SubjectArtifactKilled, a, cause)

	default:
		a.Status = domain.StatusQueued
		a.SizeBytes = nil
		a.Checksum = nil
		a.Locations = nil
		compErrs = append(compErrs, comp.Run(ctx, "restore_queued", func(ctx context.Context) error {
			return s.artifacts.Save(ctx, a, domain.StatusSaving)
		}))
		log.WithError(cause).WithField("artifact_id", a.ID).Warn("transfer failed, artifact restored to queued")
		s.publish(ctx, SubjectArtifactRestored, a, cause)
		if errors.Is(cause, domain.ErrQuotaExceeded) {
			s.publish(ctx, SubjectQuotaExceeded, a, cause)
		}
	}

	s.reportProgress(ctx, a, 0, cause.Error())
	if err := errors.Join(compErrs...); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *TransferService) reportProgress(ctx context.Context, a *domain.Artifact, written int64, failure string) {
	err := s.progress.Update(context.WithoutCancel(ctx), domain.Progress{
		ArtifactID: a.ID,
		Written:    written,
		Total:      a.Size(),
		Status:     string(a.Status),
		Error:      failure,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.WithError(err).WithField("artifact_id", a.ID).Debug("failed to record progress")
	}
}

// Upload streams req.Body into the primary store and activates the artifact.
func (s *TransferService) Upload(ctx context.Context, caller domain.Caller, req UploadRequest) (*domain.Artifact, error) {
	if s.maxSize > 0 && req.Size > s.maxSize {
		metrics.Transfers.WithLabelValues("upload", "rejected").Inc()
		return nil, fmt.Errorf("%w: declared size %d exceeds maximum of %d bytes", domain.ErrCapacityExhausted, req.Size, s.maxSize)
	}

	// Staged artifacts go through ImportStaged so the staged copy is not orphaned.
	t, err := s.beginTransfer(ctx, caller, req.ArtifactID, domain.StatusQueued)
	if err != nil {
		metrics.Transfers.WithLabelValues("upload", "rejected").Inc()
		return nil, err
	}

	outcome := s.write(ctx, s.store, req.ArtifactID, req.Body, req.Size)
	outcome.ExpectedChecksum = req.Checksum

	a, err := s.CompleteTransfer(ctx, t, outcome)
	if err != nil {
		metrics.Transfers.WithLabelValues("upload", "failed").Inc()
		return nil, err
	}
	metrics.Transfers.WithLabelValues("upload", "succeeded").Inc()
	metrics.TransferBytes.WithLabelValues("in").Add(float64(outcome.Size))
	return a, nil
}

func (s *TransferService) write(ctx context.Context, store ByteStore, id uuid.UUID, body io.Reader, size int64) TransferOutcome {
	metered := newMeteredReader(ctx, body, id, size, s.maxSize, s.progress)
	location, err := store.Write(ctx, id, metered, size)

	outcome := TransferOutcome{
		Location: location,
		Size:     metered.written,
		Checksum: metered.Checksum(),
		Err:      err,
	}
	if outcome.Err == nil {
		outcome.Err = ctx.Err()
	}
	if outcome.Err == nil && size >= 0 && metered.written != size {
		outcome.Err = fmt.Errorf("%w: declared size %d, received %d bytes", domain.ErrValidation, size, metered.written)
	}
	return outcome
}

// Stage writes bytes for a queued artifact to the staging store without
// charging quota. On failure staged bytes are removed and the artifact
// returns to queued.
func (s *TransferService) Stage(ctx context.Context, caller domain.Caller, id uuid.UUID, body io.Reader, size int64) (*domain.Artifact, error) {
	if s.staging == nil {
		return nil, fmt.Errorf("%w: staging is not configured", domain.ErrConflict)
	}

	a, err := s.loadForWrite(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusQueued {
		return nil, fmt.Errorf("%w: artifact %s is %s", domain.ErrConflict, id, a.Status)
	}

	a.Status = domain.StatusUploading
	if err := s.artifacts.Save(ctx, a, domain.StatusQueued); err != nil {
		return nil, fmt.Errorf("failed to start staging of %s: %w", id, err)
	}

	outcome := s.write(ctx, s.staging, id, body, size)
	if outcome.Err == nil {
		written := outcome.Size
		checksum := outcome.Checksum
		a.SizeBytes = &written
		a.Checksum = &checksum
		a.Locations = domain.Locations{{URL: outcome.Location, Backend: BackendStaging}}
		outcome.Err = s.artifacts.Save(ctx, a, domain.StatusUploading)
	}
	if outcome.Err != nil {
		metrics.Transfers.WithLabelValues("stage", "failed").Inc()
		return nil, s.unstage(ctx, a, outcome)
	}

	metrics.Transfers.WithLabelValues("stage", "succeeded").Inc()
	metrics.TransferBytes.WithLabelValues("in").Add(float64(outcome.Size))
	log.WithFields(log.Fields{"artifact_id": id, "size": outcome.Size}).Info("artifact staged")
	return a, nil
}

func (s *TransferService) unstage(ctx context.Context, a *domain.Artifact, outcome TransferOutcome) error {
	comp := s.compensation(a.ID)
	var compErrs []error

	// Existing staged data belongs to an earlier attempt and stays.
	if outcome.Location != "" && !errors.Is(outcome.Err, domain.ErrConflict) {
		compErrs = append(compErrs, comp.Run(ctx, "delete_staged", func(ctx context.Context) error {
			return s.staging.Delete(ctx, outcome.Location)
		}))
	}

	a.Status = domain.StatusQueued
	a.SizeBytes = nil
	a.Checksum = nil
	a.Locations = nil
	compErrs = append(compErrs, comp.Run(ctx, "restore_queued", func(ctx context.Context) error {
		return s.artifacts.Save(ctx, a, domain.StatusUploading)
	}))
	log.WithError(outcome.Err).WithField("artifact_id", a.ID).Warn("staging failed, artifact restored to queued")

	if err := errors.Join(compErrs...); err != nil {
		return errors.Join(outcome.Err, err)
	}
	return outcome.Err
}

// ImportStaged copies staged bytes into the primary store and activates the
// artifact. The checksum recorded at staging time is verified on the copy.
func (s *TransferService) ImportStaged(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Artifact, error) {
	if s.staging == nil {
		return nil, fmt.Errorf("%w: staging is not configured", domain.ErrConflict)
	}

	t, err := s.beginTransfer(ctx, caller, id, domain.StatusUploading)
	if err != nil {
		metrics.Transfers.WithLabelValues("import", "rejected").Inc()
		return nil, err
	}

	staged, ok := t.Artifact.PrimaryLocation()
	if !ok || staged.Backend != BackendStaging {
		err := fmt.Errorf("%w: artifact %s has no staged data", domain.ErrConflict, id)
		return nil, s.fail(ctx, t, "", err)
	}
	size := t.Artifact.Size()
	expected := ""
	if t.Artifact.Checksum != nil {
		expected = *t.Artifact.Checksum
	}

	var outcome TransferOutcome
	body, err := s.staging.Read(ctx, staged.URL, 0, -1)
	if err != nil {
		outcome.Err = fmt.Errorf("failed to read staged data: %w", err)
	} else {
		outcome = s.write(ctx, s.store, id, body, size)
		body.Close()
	}
	outcome.ExpectedChecksum = expected

	a, err := s.CompleteTransfer(ctx, t, outcome)

	comp := Compensation{Policy: LogAndContinue, Fields: log.Fields{"artifact_id": id}}
	comp.Run(ctx, "delete_staged", func(ctx context.Context) error {
		return s.staging.Delete(ctx, staged.URL)
	})

	if err != nil {
		metrics.Transfers.WithLabelValues("import", "failed").Inc()
		return nil, err
	}
	metrics.Transfers.WithLabelValues("import", "succeeded").Inc()
	return a, nil
}

// Download opens an active artifact for reading. The range is resolved
// before the store is touched.
func (s *TransferService) Download(ctx context.Context, caller domain.Caller, id uuid.UUID, rangeHeader string) (*Download, error) {
	a, err := s.GetArtifact(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	switch {
	case a.Status == domain.StatusDeactivated && !caller.IsAdmin():
		return nil, fmt.Errorf("%w: the requested artifact has been deactivated, data download is forbidden", domain.ErrPermissionDenied)
	case a.Status != domain.StatusActive && a.Status != domain.StatusDeactivated:
		return nil, fmt.Errorf("%w: artifact %s has no data (status %s)", domain.ErrConflict, id, a.Status)
	}

	loc, ok := a.PrimaryLocation()
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s has no location", domain.ErrNotFound, id)
	}

	size := a.Size()
	requested, err := ParseRange(rangeHeader, size)
	if err != nil {
		return nil, err
	}
	resolved := ResolveRange(size, requested)

	body, err := s.store.Read(ctx, loc.URL, resolved.Offset, resolved.Length)
	if err != nil {
		metrics.Transfers.WithLabelValues("download", "failed").Inc()
		return nil, fmt.Errorf("failed to read artifact %s: %w", id, err)
	}
	metrics.Transfers.WithLabelValues("download", "succeeded").Inc()
	metrics.TransferBytes.WithLabelValues("out").Add(float64(resolved.Length))

	return &Download{
		Artifact: a,
		Resolved: resolved,
		Size:     size,
		Body:     body,
	}, nil
}

// SetVisibility flips visibility. On an artifact holding data, going public
// releases its reservation and going private reserves again; a quota failure
// leaves the visibility unchanged. Artifacts with a transfer in flight are
// rejected since the transfer writes its own snapshot back.
func (s *TransferService) SetVisibility(ctx context.Context, caller domain.Caller, id uuid.UUID, visibility domain.Visibility) (*domain.Artifact, error) {
	visibility, err := domain.ParseVisibility(string(visibility))
	if err != nil {
		return nil, err
	}

	a, err := s.loadForWrite(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if a.Visibility == visibility {
		return a, nil
	}

	switch a.Status {
	case domain.StatusUploading, domain.StatusSaving:
		return nil, fmt.Errorf("%w: artifact %s is %s", domain.ErrConflict, id, a.Status)
	}

	previous := a.Visibility
	a.Visibility = visibility

	if a.Status != domain.StatusActive && a.Status != domain.StatusDeactivated {
		if err := s.artifacts.Save(ctx, a, a.Status); err != nil {
			a.Visibility = previous
			return nil, fmt.Errorf("failed to update visibility of %s: %w", id, err)
		}
		return a, nil
	}

	action, err := s.settle(ctx, a, caller.ProjectID, a.Status)
	if err != nil {
		a.Visibility = previous
		return nil, err
	}

	log.WithFields(log.Fields{"artifact_id": id, "visibility": visibility, "action": action}).Info("artifact visibility changed")
	return a, nil
}

// settle saves a, which was read in status prior, and reconciles its
// reservation with its current visibility in the same bracket.
func (s *TransferService) settle(ctx context.Context, a *domain.Artifact, project string, prior domain.ArtifactStatus) (QuotaAction, error) {
	meta := domain.MetaFromArtifact(a, project)
	action, err := s.reservations.Decide(ctx, a.Status, a.Status, meta)
	if err != nil {
		return ActionNoop, err
	}

	err = s.reservations.Within(ctx, action, meta, func(ctx context.Context) error {
		return s.artifacts.Save(ctx, a, prior)
	})
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			s.publish(ctx, SubjectQuotaExceeded, a, err)
		}
		return ActionNoop, err
	}
	return action, nil
}

// Deactivate hides artifact data from non-admins.
func (s *TransferService) Deactivate(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Artifact, error) {
	return s.toggle(ctx, caller, id, domain.StatusActive, domain.StatusDeactivated)
}

func (s *TransferService) Reactivate(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Artifact, error) {
	return s.toggle(ctx, caller, id, domain.StatusDeactivated, domain.StatusActive)
}

func (s *TransferService) toggle(ctx context.Context, caller domain.Caller, id uuid.UUID, from, to domain.ArtifactStatus) (*domain.Artifact, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can change artifact to %s", domain.ErrPermissionDenied, to)
	}
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == to {
		return a, nil
	}
	if a.Status != from {
		return nil, fmt.Errorf("%w: artifact %s is %s", domain.ErrConflict, id, a.Status)
	}

	// Ownerless artifacts are not charged to the admin's project.
	a.Status = to
	action, err := s.settle(ctx, a, "", from)
	if err != nil {
		a.Status = from
		return nil, fmt.Errorf("failed to move artifact %s to %s: %w", id, to, err)
	}
	log.WithFields(log.Fields{"artifact_id": id, "status": to, "action": action}).Info("artifact status changed")
	return a, nil
}

// Delete soft-deletes the artifact, releasing its reservation, and removes
// stored bytes best-effort.
func (s *TransferService) Delete(ctx context.Context, caller domain.Caller, id uuid.UUID) error {
	a, err := s.loadForWrite(ctx, caller, id)
	if err != nil {
		return err
	}

	meta := domain.MetaFromArtifact(a, caller.ProjectID)
	action, err := s.reservations.Decide(ctx, a.Status, domain.StatusDeleted, meta)
	if err != nil {
		return err
	}

	err = s.reservations.Within(ctx, action, meta, func(ctx context.Context) error {
		return s.artifacts.Delete(ctx, id)
	})
	if err != nil {
		metrics.Transfers.WithLabelValues("delete", "failed").Inc()
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}

	comp := Compensation{Policy: LogAndContinue, Fields: log.Fields{"artifact_id": id}}
	for _, loc := range a.Locations {
		if loc.IsExternal() {
			continue
		}
		store := s.store
		if loc.Backend == BackendStaging {
			store = s.staging
		}
		if store == nil {
			continue
		}
		comp.Run(ctx, "delete_bytes", func(ctx context.Context) error {
			return store.Delete(ctx, loc.URL)
		})
	}

	metrics.Transfers.WithLabelValues("delete", "succeeded").Inc()
	a.Status = domain.StatusDeleted
	s.publish(ctx, SubjectArtifactDeleted, a, nil)
	log.WithFields(log.Fields{"artifact_id": id, "action": action}).Info("artifact deleted")
	return nil
}

// Progress returns the last recorded transfer progress of an artifact.
func (s *TransferService) Progress(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Progress, error) {
	if _, err := s.GetArtifact(ctx, caller, id); err != nil {
		return nil, err
	}
	return s.progress.Get(ctx, id)
}
