package service

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// ByteRange is a single requested range. A negative Start is a suffix
// request for the last -Start bytes; End is nil for open ranges.
type ByteRange struct {
	Start int64
	End   *int64
}

// ResolvedRange is the slice of content a download will emit.
type ResolvedRange struct {
	Offset  int64
	Length  int64
	End     int64
	Partial bool
}

// ParseRange parses a Range header value against content of size bytes.
// An empty header yields nil. Only single ranges in bytes are accepted.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	byteRanges, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported range unit in %q", ErrRangeNotSatisfiable, header)
	}
	if strings.Contains(byteRanges, ",") {
		return nil, fmt.Errorf("%w: multiple ranges are not supported", ErrRangeNotSatisfiable)
	}

	first, last, found := strings.Cut(strings.TrimSpace(byteRanges), "-")
	if !found {
		return nil, fmt.Errorf("%w: malformed range %q", ErrRangeNotSatisfiable, header)
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || size <= 0 {
			return nil, fmt.Errorf("%w: invalid suffix range %q", ErrRangeNotSatisfiable, header)
		}
		return &ByteRange{Start: -n}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: invalid range start %q", ErrRangeNotSatisfiable, header)
	}
	if start >= size {
		return nil, fmt.Errorf("%w: range start %d beyond size %d", ErrRangeNotSatisfiable, start, size)
	}

	r := &ByteRange{Start: start}
	if last != "" {
		end, err := strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("%w: invalid range end %q", ErrRangeNotSatisfiable, header)
		}
		r.End = &end
	}
	return r, nil
}

// ResolveRange turns a parsed range into offset, length and last byte. A nil
// range selects the whole content.
func ResolveRange(size int64, r *ByteRange) ResolvedRange {
	if r == nil {
		return ResolvedRange{Offset: 0, Length: size, End: size - 1}
	}

	if r.Start < 0 {
		if -r.Start < size {
			offset := size + r.Start
			return ResolvedRange{Offset: offset, Length: -r.Start, End: size - 1, Partial: true}
		}
		return ResolvedRange{Offset: 0, Length: size, End: size - 1, Partial: true}
	}

	if r.End != nil && *r.End < size {
		return ResolvedRange{Offset: r.Start, Length: *r.End - r.Start + 1, End: *r.End, Partial: true}
	}
	return ResolvedRange{Offset: r.Start, Length: size - r.Start, End: size - 1, Partial: true}
}

// ContentRange renders the Content-Range header value.
func (r ResolvedRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Offset, r.End, size)
}

func (r ResolvedRange) StatusCode() int {
	if r.Partial {
		return http.StatusPartialContent
	}
	return http.StatusOK
}
