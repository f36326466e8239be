// Package proof stores proof-of-delivery payloads and returns the reference
// recorded on the order.
package proof

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/example/courier-dispatch/internal/apperr"
)

// MaxPayloadBytes bounds a single proof upload.
const MaxPayloadBytes = 5 << 20

var ErrEmptyPayload error = &apperr.ValidationError{Field: "data", Reason: "proof payload is empty"}

type Store interface {
	Put(ctx context.Context, orderID string, payload []byte, contentType string) (string, error)
}

func validate(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxPayloadBytes {
		return &apperr.ValidationError{Field: "data", Reason: fmt.Sprintf("proof payload too large: %d bytes", len(payload))}
	}
	return nil
}

func objectKey(orderID string, at time.Time) string {
	return fmt.Sprintf("proofs/%s/%d", orderID, at.UnixNano())
}

type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, region, bucket string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, orderID string, payload []byte, contentType string) (string, error) {
	if err := validate(payload); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := objectKey(orderID, time.Now())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"order-id": orderID},
	})
	if err != nil {
		return "", fmt.Errorf("unable to upload proof to S3: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{blobs: make(map[string][]byte)} }

func (m *MemoryStore) Put(ctx context.Context, orderID string, payload []byte, contentType string) (string, error) {
	if err := validate(payload); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "mem://" + objectKey(orderID, time.Now())
	m.blobs[ref] = append([]byte(nil), payload...)
	return ref, nil
}

func (m *MemoryStore) Get(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[ref]
	return b, ok
}
