// Package storage keeps rendered page snapshots so blocked sites can be
// inspected after the fact.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/JakeFAU/camp-discovery-daemon/internal/urlnorm"
)

// BlobStore persists an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher names snapshot objects by content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Snapshotter writes pages to snapshots/<domain>/<digest>.html.
type Snapshotter struct {
	store  BlobStore
	hasher Hasher
	prefix string
}

// NewSnapshotter builds a Snapshotter. prefix is prepended to every object
// path and may be empty.
func NewSnapshotter(store BlobStore, hasher Hasher, prefix string) *Snapshotter {
	return &Snapshotter{store: store, hasher: hasher, prefix: prefix}
}

// Save stores body and returns the object URI.
func (s *Snapshotter) Save(ctx context.Context, rawURL string, body []byte) (string, error) {
	domain := urlnorm.Domain(rawURL)
	if domain == "" {
		domain = "unknown"
	}
	sum, err := s.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	objectPath := path.Join(s.prefix, "snapshots", domain, sum+".html")
	uri, err := s.store.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", objectPath, err)
	}
	return uri, nil
}
