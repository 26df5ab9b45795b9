// Package blob downloads uploaded statement files by storage key. Keys are
// either gs://bucket/object URIs or local://path references used in
// development and tests.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/charmbracelet/log"
)

// Downloader fetches the raw bytes for a storage key
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

const localPrefix = "local://"

// Store dispatches downloads by key prefix. The GCS client is created lazily
// so local-only runs never touch cloud credentials.
type Store struct {
	logger *log.Logger
	client *storage.Client
}

func NewStore(logger *log.Logger) *Store {
	return &Store{logger: logger}
}

func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, localPrefix) {
		path := strings.TrimPrefix(key, localPrefix)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read local file: %w", err)
		}
		s.logger.Debug("Downloaded local file", "path", path, "size", len(data))
		return data, nil
	}

	bucket, object, err := parseGCSKey(key)
	if err != nil {
		return nil, err
	}

	if s.client == nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		s.client = client
	}

	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}

	s.logger.Debug("Downloaded object", "bucket", bucket, "object", object, "size", len(data))
	return data, nil
}

func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func parseGCSKey(key string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(key, "gs://")
	if trimmed == key {
		return "", "", fmt.Errorf("unsupported storage key %q", key)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed gs:// key %q", key)
	}
	return parts[0], parts[1], nil
}
