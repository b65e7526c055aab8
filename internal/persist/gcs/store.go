// Package gcs persists closed-entity snapshots as JSON objects in Google
// Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/statsbridge/internal/persist"
)

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Store writes one object per record.
type Store struct {
	client    *storage.Client
	bucket    string
	prefix    string
	ownClient bool
}

var _ persist.Persister = (*Store)(nil)

// New creates a GCS-backed store. The caller keeps ownership of client.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Open creates a storage client with default credentials and a Store that
// closes it on Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownClient = true
	return s, nil
}

// ObjectName returns the object path used for rec.
func (s *Store) ObjectName(rec persist.Record) string {
	entity := rec.Entity
	if entity == "" {
		entity = "_global"
	}
	name := fmt.Sprintf("%s/%s.json", entity, rec.ClosedAt.UTC().Format("20060102T150405.000000000Z"))
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Persist uploads rec as JSON.
func (s *Store) Persist(ctx context.Context, rec persist.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	name := s.ObjectName(rec)
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("copy object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
