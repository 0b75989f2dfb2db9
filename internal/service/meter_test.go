package service

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"

	"artifactvault/internal/domain"
	"artifactvault/internal/storetest"
)

func TestMeteredReader(t *testing.T) {
	data := bytes.Repeat([]byte("artifact"), 1024)
	progress := storetest.NewProgress()
	id := uuid.New()

	m := newMeteredReader(t.Context(), bytes.NewReader(data), id, int64(len(data)), 0, progress)
	got, err := io.ReadAll(m)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("metered reader altered data")
	}
	if m.written != int64(len(data)) {
		t.Fatalf("written = %d, want %d", m.written, len(data))
	}
	if m.Checksum() != Checksum(data) {
		t.Fatalf("checksum = %s, want %s", m.Checksum(), Checksum(data))
	}
	if p, err := progress.Get(t.Context(), id); err != nil || p.Total != int64(len(data)) {
		t.Fatalf("progress = %+v, %v", p, err)
	}
}

func TestMeteredReaderMaxSize(t *testing.T) {
	m := newMeteredReader(t.Context(), bytes.NewReader(make([]byte, 10)), uuid.New(), -1, 8, noopProgress{})
	if _, err := io.ReadAll(m); !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("err = %v, want ErrCapacityExhausted", err)
	}
}

func TestChecksumStable(t *testing.T) {
	if Checksum([]byte("a")) == Checksum([]byte("b")) {
		t.Fatal("distinct inputs share a checksum")
	}
	if len(Checksum(nil)) != 64 {
		t.Fatalf("checksum length = %d, want 64 hex chars", len(Checksum(nil)))
	}
}
