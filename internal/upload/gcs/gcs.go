// Package gcs uploads sealed segments to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gcstorage "cloud.google.com/go/storage"

	"github.com/MrWong99/reccon/internal/storage"
	"github.com/MrWong99/reccon/pkg/audio/encode"
)

// ErrURL is returned by [ParseURL] for malformed bucket URLs.
var ErrURL = errors.New("gcs: invalid bucket url")

// Location is a bucket and an object name prefix.
type Location struct {
	Bucket string

	// Prefix is empty or ends with "/".
	Prefix string
}

// ParseURL parses "gs://bucket" or "gs://bucket/prefix/".
func ParseURL(s string) (Location, error) {
	rest, ok := strings.CutPrefix(s, "gs://")
	if !ok {
		return Location{}, fmt.Errorf("%w: must start with \"gs://\", got %q", ErrURL, s)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%w: empty bucket in %q", ErrURL, s)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		return Location{}, fmt.Errorf("%w: non-empty prefix must end with a slash, got %q", ErrURL, prefix)
	}
	return Location{Bucket: bucket, Prefix: prefix}, nil
}

// String returns the gs:// form of l.
func (l Location) String() string {
	if l.Prefix == "" {
		return "gs://" + l.Bucket
	}
	return "gs://" + l.Bucket + "/" + l.Prefix
}

// Object returns the object name for a local file.
func (l Location) Object(path string) string { return l.Prefix + filepath.Base(path) }

// Option configures an [Uploader].
type Option func(*Uploader)

// WithClient uses c instead of creating a client from application default
// credentials. The caller keeps ownership of c.
func WithClient(c *gcstorage.Client) Option {
	return func(u *Uploader) { u.client = c }
}

// WithRecorder sets the recorder metadata value. Default: the hostname.
func WithRecorder(name string) Option {
	return func(u *Uploader) { u.recorder = name }
}

// WithChunkSize sets the resumable upload chunk size. Zero uploads each file
// in a single request. Default: the client library default.
func WithChunkSize(n int) Option {
	return func(u *Uploader) { u.chunkSize = &n }
}

// Uploader implements upload.Uploader for one bucket location.
type Uploader struct {
	loc       Location
	client    *gcstorage.Client
	owned     bool
	recorder  string
	chunkSize *int
}

// New creates an [Uploader] for a gs:// URL.
func New(ctx context.Context, rawURL string, opts ...Option) (*Uploader, error) {
	loc, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	u := &Uploader{loc: loc}
	for _, o := range opts {
		o(u)
	}
	if u.recorder == "" {
		u.recorder, _ = os.Hostname()
	}
	if u.client == nil {
		c, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs: create client: %w", err)
		}
		u.client = c
		u.owned = true
	}
	return u, nil
}

// Location returns the destination.
func (u *Uploader) Location() Location { return u.loc }

// Upload copies path to the bucket. Re-uploading a file overwrites the same
// object.
func (u *Uploader) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("gcs: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	name := u.loc.Object(path)
	w := u.client.Bucket(u.loc.Bucket).Object(name).NewWriter(ctx)
	if u.chunkSize != nil {
		w.ChunkSize = *u.chunkSize
	}
	w.ContentType = encode.Format(strings.TrimPrefix(filepath.Ext(path), ".")).ContentType()
	w.Metadata = u.metadata(path)

	if _, err := io.Copy(w, f); err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		_ = w.Close()
		return fmt.Errorf("gcs: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: upload %s: %w", name, err)
	}
	return nil
}

func (u *Uploader) metadata(path string) map[string]string {
	md := map[string]string{}
	if n, ok := storage.ParseName(filepath.Base(path)); ok {
		md["segment_id"] = n.ID
	}
	if u.recorder != "" {
		md["recorder"] = u.recorder
	}
	return md
}

// Close releases the client if the uploader created it.
func (u *Uploader) Close() error {
	if !u.owned {
		return nil
	}
	return u.client.Close()
}
