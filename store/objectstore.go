package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore persists artifact payloads addressed by path. Delete is
// idempotent: removing a missing object is not an error, so retention
// sweeps converge on retry.
type ObjectStore interface {
	Put(ctx context.Context, path string, payload []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// ErrObjectNotFound is returned by Get for a missing payload.
var ErrObjectNotFound = errors.New("object not found")

// MinIOStore stores payloads as objects in a single MinIO bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinIOStore creates a MinIO-backed object store and ensures the
// artifact bucket exists.
func NewMinIOStore(ctx context.Context, config MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		log.Printf("Creating MinIO bucket: %s", config.Bucket)
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	log.Printf("MinIO object store initialized (endpoint: %s, bucket: %s)", config.Endpoint, config.Bucket)
	return &MinIOStore{client: client, bucket: config.Bucket}, nil
}

// Put uploads a payload to the artifact bucket.
func (s *MinIOStore) Put(ctx context.Context, path string, payload []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", path, err)
	}
	return nil
}

// Get downloads a payload from the artifact bucket.
func (s *MinIOStore) Get(ctx context.Context, path string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", path, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", path, err)
	}
	return payload, nil
}

// Delete removes a payload. MinIO treats removal of a missing object as a
// no-op, which keeps retention sweeps idempotent.
func (s *MinIOStore) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", path, err)
	}
	return nil
}

// MemoryObjectStore is an in-process ObjectStore used when no MinIO
// endpoint is configured and as a substitutable fake in tests.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

// Put stores a copy of the payload.
func (s *MemoryObjectStore) Put(_ context.Context, path string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.objects[path] = buf
	return nil
}

// Get returns the stored payload or ErrObjectNotFound.
func (s *MemoryObjectStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, exists := s.objects[path]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	return payload, nil
}

// Delete removes the payload; deleting a missing path is a no-op.
func (s *MemoryObjectStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}
