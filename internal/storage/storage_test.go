package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/hash/sha256"
	"github.com/JakeFAU/crawlq/internal/storage/memory"
)

// TestArchiverArchive writes crawl pages under the crawl ID.
func TestArchiverArchive(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a, err := NewArchiver(blobs, sha256.New(), "/pages/")
	require.NoError(t, err)

	uri, hash, err := a.Archive(context.Background(), crawler.JobData{CrawlID: "c1", TenantID: "team"}, "hello world")
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hash)
	require.Equal(t, "memory://pages/crawls/c1/"+hash+".html", uri)

	got, ok := blobs.Get("pages/crawls/c1/" + hash + ".html")
	require.True(t, ok)
	require.Equal(t, "hello world", string(got))
}

// TestArchiverObjectPath groups standalone scrapes by tenant and sanitizes IDs.
func TestArchiverObjectPath(t *testing.T) {
	t.Parallel()

	a, err := NewArchiver(memory.NewBlobStore(), sha256.New(), "")
	require.NoError(t, err)
	require.Equal(t, "scrapes/team/abc.html", a.ObjectPath(crawler.JobData{TenantID: "team"}, "abc"))
	require.Equal(t, "scrapes/_/abc.html", a.ObjectPath(crawler.JobData{}, "abc"))
	require.Equal(t, "crawls/__x/abc.html", a.ObjectPath(crawler.JobData{CrawlID: "../x"}, "abc"))
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

// TestArchiverStoreError surfaces blob store failures.
func TestArchiverStoreError(t *testing.T) {
	t.Parallel()

	a, err := NewArchiver(failingStore{}, sha256.New(), "")
	require.NoError(t, err)
	_, _, err = a.Archive(context.Background(), crawler.JobData{}, "x")
	require.ErrorContains(t, err, "bucket gone")
}

// TestNewArchiverValidates rejects missing collaborators.
func TestNewArchiverValidates(t *testing.T) {
	t.Parallel()

	_, err := NewArchiver(nil, sha256.New(), "")
	require.Error(t, err)
	_, err = NewArchiver(memory.NewBlobStore(), nil, "")
	require.Error(t, err)
}

type recordingStore struct{ contentType string }

func (r *recordingStore) PutObject(_ context.Context, path string, contentType string, _ io.Reader) (string, error) {
	r.contentType = contentType
	return "test://" + path, nil
}

// TestArchiverContentType defaults to HTML and honors an override.
func TestArchiverContentType(t *testing.T) {
	t.Parallel()

	rec := &recordingStore{}
	a, err := NewArchiver(rec, sha256.New(), "")
	require.NoError(t, err)
	_, _, err = a.Archive(context.Background(), crawler.JobData{}, "x")
	require.NoError(t, err)
	require.Equal(t, DefaultContentType, rec.contentType)

	a, err = NewArchiver(rec, sha256.New(), "", WithContentType("text/plain"), WithContentType(""))
	require.NoError(t, err)
	_, _, err = a.Archive(context.Background(), crawler.JobData{}, "x")
	require.NoError(t, err)
	require.Equal(t, "text/plain", rec.contentType)
}
