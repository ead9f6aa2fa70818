// Package storage archives scraped page markup in a blob store.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Archiver writes page markup under a content-addressed path.
type Archiver struct {
	store       crawler.BlobStore
	hasher      crawler.Hasher
	prefix      string
	contentType string
}

// DefaultContentType is the content type archived pages are written with.
const DefaultContentType = "text/html; charset=utf-8"

// Option configures an Archiver.
type Option func(*Archiver)

// WithContentType overrides the content type of archived objects.
func WithContentType(contentType string) Option {
	return func(a *Archiver) {
		if contentType != "" {
			a.contentType = contentType
		}
	}
}

// NewArchiver creates an Archiver. prefix is prepended to every object path.
func NewArchiver(store crawler.BlobStore, hasher crawler.Hasher, prefix string, opts ...Option) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	a := &Archiver{store: store, hasher: hasher, prefix: strings.Trim(prefix, "/"), contentType: DefaultContentType}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Archive stores the page and returns its URI and content hash. Pages in a
// crawl are grouped by crawl ID; standalone scrapes by tenant.
func (a *Archiver) Archive(ctx context.Context, data crawler.JobData, content string) (string, string, error) {
	hash, err := a.hasher.Hash([]byte(content))
	if err != nil {
		return "", "", fmt.Errorf("hash page: %w", err)
	}
	uri, err := a.store.PutObject(ctx, a.ObjectPath(data, hash), a.contentType, strings.NewReader(content))
	if err != nil {
		return "", "", fmt.Errorf("archive page: %w", err)
	}
	return uri, hash, nil
}

// ObjectPath returns the object path for a page with the given hash.
func (a *Archiver) ObjectPath(data crawler.JobData, hash string) string {
	group := "scrapes/" + safeSegment(data.TenantID)
	if data.CrawlID != "" {
		group = "crawls/" + safeSegment(data.CrawlID)
	}
	return path.Join(a.prefix, group, hash+".html")
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}
