package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"artifactvault/internal/domain"
)

// Bytes is an in-memory ByteStore. Locations are prefix + artifact id.
type Bytes struct {
	Faults

	prefix string
	mu     sync.Mutex
	blobs  map[string][]byte
}

func NewBytes(prefix string) *Bytes {
	return &Bytes{prefix: prefix, blobs: make(map[string][]byte)}
}

func (b *Bytes) Location(id uuid.UUID) string {
	return b.prefix + id.String()
}

// Write keeps whatever was read before a failure, like a partial upload, and
// returns the location together with the error.
func (b *Bytes) Write(_ context.Context, id uuid.UUID, r io.Reader, _ int64) (string, error) {
	location := b.Location(id)
	if err := b.fault("Write"); err != nil {
		return "", err
	}

	b.mu.Lock()
	_, exists := b.blobs[location]
	b.mu.Unlock()
	if exists {
		return location, fmt.Errorf("%w: %s already exists", domain.ErrConflict, location)
	}

	data, err := io.ReadAll(r)
	b.mu.Lock()
	b.blobs[location] = data
	b.mu.Unlock()
	if err != nil {
		return location, err
	}
	return location, nil
}

func (b *Bytes) Read(_ context.Context, location string, offset, length int64) (io.ReadCloser, error) {
	if err := b.fault("Read"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	data, ok := b.blobs[location]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, location)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Bytes) Delete(_ context.Context, location string) error {
	if err := b.fault("Delete"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, location)
	return nil
}

// Put stores data at location directly.
func (b *Bytes) Put(location string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[location] = append([]byte(nil), data...)
}

func (b *Bytes) Has(location string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[location]
	return ok
}

func (b *Bytes) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}
