package service

import (
	"errors"
	"testing"
)

func TestParseAndResolveRange(t *testing.T) {
	const size = 100

	tests := []struct {
		header  string
		offset  int64
		length  int64
		end     int64
		partial bool
	}{
		{"", 0, 100, 99, false},
		{"bytes=0-9", 0, 10, 9, true},
		{"bytes=90-", 90, 10, 99, true},
		{"bytes=90-200", 90, 10, 99, true},
		{"bytes=-10", 90, 10, 99, true},
		{"bytes=-100", 0, 100, 99, true},
		{"bytes=-500", 0, 100, 99, true},
		{" bytes=5-5 ", 5, 1, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r, err := ParseRange(tt.header, size)
			if err != nil {
				t.Fatalf("ParseRange: %v", err)
			}
			got := ResolveRange(size, r)
			if got.Offset != tt.offset || got.Length != tt.length || got.End != tt.end || got.Partial != tt.partial {
				t.Fatalf("ResolveRange = %+v, want offset %d length %d end %d partial %v",
					got, tt.offset, tt.length, tt.end, tt.partial)
			}
		})
	}
}

func TestParseRangeRejects(t *testing.T) {
	for _, header := range []string{
		"bytes=100-",
		"bytes=0-1,5-6",
		"items=0-1",
		"bytes=5",
		"bytes=9-3",
		"bytes=-0",
		"bytes=a-b",
		"bytes=--1",
	} {
		t.Run(header, func(t *testing.T) {
			if _, err := ParseRange(header, 100); !errors.Is(err, ErrRangeNotSatisfiable) {
				t.Fatalf("ParseRange(%q) err = %v, want ErrRangeNotSatisfiable", header, err)
			}
		})
	}
}

func TestContentRange(t *testing.T) {
	r := ResolveRange(11, &ByteRange{Start: 2})
	if got := r.ContentRange(11); got != "bytes 2-10/11" {
		t.Fatalf("ContentRange = %q", got)
	}
	if r.StatusCode() != 206 {
		t.Fatalf("StatusCode = %d", r.StatusCode())
	}
}
