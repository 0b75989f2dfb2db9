package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"artifactvault/internal/domain"
)

// fakeAPI is an in-memory bucket.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]map[int32][]byte
	aborted int
	puts    int

	uploadPartErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string][]byte{}, uploads: map[string]map[int32][]byte{}}
}

func (f *fakeAPI) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range != nil {
		byteRanges := strings.TrimPrefix(aws.ToString(in.Range), "bytes=")
		first, last, _ := strings.Cut(byteRanges, "-")
		start, _ := strconv.Atoi(first)
		end := len(data) - 1
		if last != "" {
			end, _ = strconv.Atoi(last)
		}
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.uploads[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeAPI) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.uploadPartErr != nil {
		return nil, f.uploadPartErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[aws.ToString(in.UploadId)][aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(in.PartNumber)))}, nil
}

func (f *fakeAPI) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.uploads[aws.ToString(in.UploadId)]
	numbers := make([]int, 0, len(parts))
	for n := range parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)
	var buf bytes.Buffer
	for _, n := range numbers {
		buf.Write(parts[int32(n)])
	}
	f.objects[aws.ToString(in.Key)] = buf.Bytes()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeAPI) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(in.UploadId))
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestSmallWriteUsesPutObject(t *testing.T) {
	api := newFakeAPI()
	c := New(api, "vault", "artifacts/")
	id := uuid.New()

	location, err := c.Write(t.Context(), id, strings.NewReader("hello world"), 11)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if location != "s3://vault/artifacts/"+id.String() {
		t.Fatalf("location = %q", location)
	}
	if api.puts != 1 {
		t.Fatalf("puts = %d, want 1", api.puts)
	}

	tests := []struct {
		offset, length int64
		want           string
	}{
		{0, -1, "hello world"},
		{6, 5, "world"},
		{6, -1, "world"},
		{0, 0, ""},
	}
	for _, tt := range tests {
		rc, err := c.Read(t.Context(), location, tt.offset, tt.length)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != tt.want {
			t.Fatalf("Read(%d, %d) = %q, want %q", tt.offset, tt.length, got, tt.want)
		}
	}
}

func TestLargeWriteUsesMultipart(t *testing.T) {
	api := newFakeAPI()
	c := New(api, "vault", "")
	data := bytes.Repeat([]byte{0xAB}, PartSize*2+17)

	location, err := c.Write(t.Context(), uuid.New(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	key, _ := c.keyFrom(location)
	if !bytes.Equal(api.objects[key], data) {
		t.Fatalf("stored %d bytes, want %d", len(api.objects[key]), len(data))
	}
	if api.puts != 0 {
		t.Fatalf("puts = %d, want multipart only", api.puts)
	}
}

func TestMultipartFailureAborts(t *testing.T) {
	api := newFakeAPI()
	api.uploadPartErr = &smithy.GenericAPIError{Code: "InsufficientStorage", Message: "full"}
	c := New(api, "vault", "")

	_, err := c.Write(t.Context(), uuid.New(), bytes.NewReader(make([]byte, PartSize+1)), -1)
	if !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("err = %v, want ErrCapacityExhausted", err)
	}
	if api.aborted != 1 || len(api.uploads) != 0 {
		t.Fatalf("aborted = %d, open uploads = %d", api.aborted, len(api.uploads))
	}
}

func TestDelete(t *testing.T) {
	api := newFakeAPI()
	c := New(api, "vault", "")

	location, err := c.Write(t.Context(), uuid.New(), strings.NewReader("x"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(t.Context(), location); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(t.Context(), location); err != nil {
		t.Fatalf("Delete of missing object: %v", err)
	}
	if _, err := c.Read(t.Context(), location, 0, -1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Read err = %v, want ErrNotFound", err)
	}
	if err := c.Delete(t.Context(), "s3://other-bucket/key"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("foreign bucket err = %v, want ErrValidation", err)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"AccessDenied", domain.ErrPermissionDenied},
		{"ExpiredToken", domain.ErrNotAuthenticated},
		{"EntityTooLarge", domain.ErrCapacityExhausted},
		{"NoSuchKey", domain.ErrNotFound},
	}
	for _, tt := range tests {
		err := mapError(&smithy.GenericAPIError{Code: tt.code})
		if !errors.Is(err, tt.want) {
			t.Fatalf("mapError(%s) = %v, want %v", tt.code, err, tt.want)
		}
	}

	plain := errors.New("network")
	if got := mapError(plain); got != plain {
		t.Fatalf("mapError(plain) = %v", got)
	}
}
