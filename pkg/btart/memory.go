package btart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func (s *MemStore) Upload(_ context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Artifact, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	s.objects[key] = memObject{data: data, contentType: contentType, metadata: meta, modified: time.Now()}
	s.mu.Unlock()

	return &Artifact{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		Metadata:    meta,
	}, nil
}

func (s *MemStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemStore) Stat(_ context.Context, key string) (*Artifact, error) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &Artifact{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
		Metadata:     obj.metadata,
	}, nil
}

func (s *MemStore) GetPresignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.Lock()
	_, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("mem://%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (s *MemStore) List(_ context.Context, prefix string) ([]*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	artifacts := make([]*Artifact, 0, len(keys))
	for _, key := range keys {
		obj := s.objects[key]
		artifacts = append(artifacts, &Artifact{
			Key:          key,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
			Metadata:     obj.metadata,
		})
	}
	return artifacts, nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) EnsureBucket(context.Context) error { return nil }

// Ensure MemStore implements Store.
var _ Store = (*MemStore)(nil)
