package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"artifactvault/internal/domain"
)

const progressInterval = time.Second

// meteredReader counts and hashes everything read through it, enforces a
// maximum size and reports progress at most once per progressInterval.
type meteredReader struct {
	ctx        context.Context
	r          io.Reader
	hash       hash.Hash
	written    int64
	total      int64
	maxSize    int64
	artifactID uuid.UUID
	progress   ProgressTracker
	reportedAt time.Time
}

func newMeteredReader(ctx context.Context, r io.Reader, artifactID uuid.UUID, total, maxSize int64, progress ProgressTracker) *meteredReader {
	return &meteredReader{
		ctx:        ctx,
		r:          r,
		hash:       blake3.New(),
		total:      total,
		maxSize:    maxSize,
		artifactID: artifactID,
		progress:   progress,
	}
}

func (m *meteredReader) Read(p []byte) (int, error) {
	if err := m.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := m.r.Read(p)
	if n > 0 {
		m.hash.Write(p[:n])
		m.written += int64(n)
		if m.maxSize > 0 && m.written > m.maxSize {
			return n, fmt.Errorf("%w: artifact exceeds maximum size of %d bytes", domain.ErrCapacityExhausted, m.maxSize)
		}
		m.report(false)
	}
	return n, err
}

func (m *meteredReader) report(force bool) {
	now := time.Now()
	if !force && now.Sub(m.reportedAt) < progressInterval {
		return
	}
	m.reportedAt = now

	err := m.progress.Update(m.ctx, domain.Progress{
		ArtifactID: m.artifactID,
		Written:    m.written,
		Total:      m.total,
		Status:     string(domain.StatusSaving),
		UpdatedAt:  now,
	})
	if err != nil {
		log.WithError(err).WithField("artifact_id", m.artifactID).Debug("failed to report progress")
	}
}

// Checksum returns the hex blake3 digest of the bytes read so far.
func (m *meteredReader) Checksum() string {
	return hex.EncodeToString(m.hash.Sum(nil))
}

// Checksum computes the blake3 digest used for artifact integrity checks.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
