package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"artifactvault/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	// PartSize is the S3 minimum multipart part size; bytes are buffered one
	// part at a time.
	PartSize = 5 * 1024 * 1024

	scheme = "s3://"
)

// Client is a ByteStore on an S3-compatible bucket.
type Client struct {
	client API
	bucket string
	prefix string
}

// NewClient builds an S3 client from conf and checks the bucket is reachable.
func NewClient(conf *Config) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	if conf.AccessKeyID == "" || conf.SecretAccessKey == "" || conf.Bucket == "" {
		return nil, fmt.Errorf("missing required configuration: accessKeyID, secretAccessKey, and bucket are required")
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	client := s3.New(s3.Options{
		BaseEndpoint:     aws.String(conf.Endpoint),
		Region:           conf.Region,
		Credentials:      creds,
		UsePathStyle:     conf.UsePathStyle,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(conf.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to access bucket %s: %w", conf.Bucket, mapError(err))
	}

	return New(client, conf.Bucket, conf.Prefix), nil
}

// New wraps an existing API implementation.
func New(api API, bucket, prefix string) *Client {
	return &Client{client: api, bucket: bucket, prefix: prefix}
}

func (h *Client) location(key string) string {
	return scheme + h.bucket + "/" + key
}

func (h *Client) keyFrom(location string) (string, error) {
	rest, ok := strings.CutPrefix(location, scheme+h.bucket+"/")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: location %q is not in bucket %s", domain.ErrValidation, location, h.bucket)
	}
	return rest, nil
}

// mapError classifies S3 API errors into domain errors.
func mapError(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey", "NoSuchUpload":
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case "EntityTooLarge", "QuotaExceeded", "InsufficientStorage", "ServiceQuotaExceeded":
		return fmt.Errorf("%w: %v", domain.ErrCapacityExhausted, err)
	case "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken":
		return fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	case "AccessDenied":
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return err
}

// Write streams r into the bucket. Content smaller than one part goes up in a
// single PutObject; anything larger becomes a multipart upload that is
// aborted on failure.
func (h *Client) Write(ctx context.Context, artifactID uuid.UUID, r io.Reader, declaredSize int64) (string, error) {
	key := h.prefix + artifactID.String()
	buf := make([]byte, PartSize)

	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(h.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return "", fmt.Errorf("failed to upload object to S3: %w", mapError(err))
		}
		return h.location(key), nil
	case err != nil:
		return "", fmt.Errorf("failed to read artifact data: %w", err)
	}

	if err := h.writeMultipart(ctx, key, r, buf); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"key": key, "declared_size": declaredSize}).Debug("[S3] multipart upload completed")
	return h.location(key), nil
}

// writeMultipart uploads buf, already filled with the first part, and the
// rest of r.
func (h *Client) writeMultipart(ctx context.Context, key string, r io.Reader, buf []byte) error {
	uploadID, err := h.CreateMultipartUpload(ctx, key)
	if err != nil {
		return err
	}

	var parts []CompletedPart
	abort := func(cause error) error {
		if abortErr := h.AbortMultipartUpload(context.WithoutCancel(ctx), uploadID, key); abortErr != nil {
			log.WithError(abortErr).WithField("key", key).Warn("[S3] failed to abort multipart upload")
		}
		return cause
	}

	n := len(buf)
	for partNumber := 1; ; partNumber++ {
		etag, err := h.UploadPart(ctx, uploadID, key, partNumber, buf[:n])
		if err != nil {
			return abort(err)
		}
		parts = append(parts, CompletedPart{PartNumber: partNumber, ETag: etag})

		n, err = io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			etag, err := h.UploadPart(ctx, uploadID, key, partNumber+1, buf[:n])
			if err != nil {
				return abort(err)
			}
			parts = append(parts, CompletedPart{PartNumber: partNumber + 1, ETag: etag})
			break
		}
		if err != nil {
			return abort(fmt.Errorf("failed to read artifact data: %w", err))
		}
	}

	if err := h.CompleteMultipartUpload(ctx, uploadID, key, parts); err != nil {
		return abort(err)
	}
	return nil
}

// Read returns length bytes from offset; length < 0 reads to the end.
func (h *Client) Read(ctx context.Context, location string, offset, length int64) (io.ReadCloser, error) {
	key, err := h.keyFrom(location)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	}
	switch {
	case length > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	case offset > 0:
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	startTime := time.Now()
	result, err := h.client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", mapError(err))
	}
	log.WithFields(log.Fields{"key": key, "ttfb": time.Since(startTime)}).Debug("[S3] stream started")
	return result.Body, nil
}

// Delete removes the object at location. A missing object is not an error.
func (h *Client) Delete(ctx context.Context, location string) error {
	key, err := h.keyFrom(location)
	if err != nil {
		return err
	}

	_, err = h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to check object existence: %w", mapped)
	}

	_, err = h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", mapError(err))
	}
	return nil
}

func (h *Client) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	result, err := h.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", mapError(err))
	}
	return aws.ToString(result.UploadId), nil
}

func (h *Client) UploadPart(ctx context.Context, uploadID string, key string, partNumber int, data []byte) (string, error) {
	result, err := h.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		PartNumber:    aws.Int32(int32(partNumber)),
		UploadId:      aws.String(uploadID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, mapError(err))
	}
	return aws.ToString(result.ETag), nil
}

func (h *Client) CompleteMultipartUpload(ctx context.Context, uploadID string, key string, parts []CompletedPart) error {
	completedParts := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completedParts = append(completedParts, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		})
	}

	_, err := h.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", mapError(err))
	}
	return nil
}

func (h *Client) AbortMultipartUpload(ctx context.Context, uploadID string, key string) error {
	_, err := h.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", mapError(err))
	}
	return nil
}
