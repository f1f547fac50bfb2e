// Package gcsfile adapts Google Cloud Storage objects to the tftp
// package's DynFileFunc and UploadOpenFunc hooks, so a server can serve
// RRQ/WRQ traffic directly against a GCS bucket instead of a local,
// root-jailed filesystem.
package gcsfile

import (
	"context"
	"io"
	"path"

	"cloud.google.com/go/storage"
)

// Store opens GCS objects under a fixed bucket and prefix on behalf of a
// tftp.Server's DynFileFunc/UploadOpenFunc hooks.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewStore wraps an already-authenticated *storage.Client. prefix is
// joined with every requested filename before addressing the bucket,
// giving the equivalent of a root-jailed directory.
func NewStore(client *storage.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) objectName(filename string) string {
	if s.prefix == "" {
		return filename
	}
	return path.Join(s.prefix, path.Clean("/"+filename))
}

// OpenRead implements tftp.DynFileFunc: it returns a reader over the named
// object along with its size, read from the object's metadata before any
// bytes are streamed.
func (s *Store) OpenRead(filename string) (io.ReadCloser, int64, error) {
	ctx := context.Background()
	obj := s.client.Bucket(s.bucket).Object(s.objectName(filename))
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, -1, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, -1, err
	}
	return r, attrs.Size, nil
}

// OpenWrite implements tftp.UploadOpenFunc: it returns a writer that
// commits the object only once Close is called with no prior error,
// matching storage.Writer's own semantics.
func (s *Store) OpenWrite(filename string) (io.WriteCloser, error) {
	ctx := context.Background()
	obj := s.client.Bucket(s.bucket).Object(s.objectName(filename))
	return obj.NewWriter(ctx), nil
}
