// Package discovery finds the input files of one record kind under a root,
// which is either a local directory or an s3://bucket/prefix URL.
package discovery

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"

	"github.com/beliu/sparkify-postgres/internal/config"
)

// File is one discovered input file.
type File struct {
	// Name is the local path or the s3:// URL of the object.
	Name string
	Size int64

	open func(ctx context.Context) (io.ReadCloser, error)
}

// Open returns the decompressed content of f. The caller closes it.
func (f File) Open(ctx context.Context) (io.ReadCloser, error) {
	if f.open == nil {
		return nil, fmt.Errorf("discovery: %s: no opener", f.Name)
	}
	rc, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	return decompress(f.Name, rc)
}

// Source lists the input files under one root, in a deterministic order.
type Source interface {
	List(ctx context.Context) ([]File, error)
}

// Matches reports whether name is a line-delimited JSON input, optionally
// gzip or bzip2 compressed.
func Matches(name string) bool {
	n := strings.ToLower(name)
	return strings.HasSuffix(n, ".json") ||
		strings.HasSuffix(n, ".json.gz") ||
		strings.HasSuffix(n, ".json.bz2")
}

// ForRoot returns the Source for root. s3:// roots get a client built from
// s3cfg; anything else is a local directory.
func ForRoot(ctx context.Context, root string, s3cfg config.S3) (Source, error) {
	if !config.IsS3(root) {
		return Local(root), nil
	}
	bucket, prefix, err := ParseS3URL(root)
	if err != nil {
		return nil, err
	}
	client, err := NewS3Client(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	return NewS3(client, bucket, prefix), nil
}

func decompress(name string, rc io.ReadCloser) (io.ReadCloser, error) {
	n := strings.ToLower(name)
	switch {
	case strings.HasSuffix(n, ".gz"):
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("discovery: gzip %s: %w", name, err)
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case strings.HasSuffix(n, ".bz2"):
		br, err := bzip2.NewReader(rc, nil)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("discovery: bzip2 %s: %w", name, err)
		}
		return &stackedReader{Reader: br, closers: []io.Closer{br, rc}}, nil
	default:
		return rc, nil
	}
}

// stackedReader closes a decompressor and the underlying stream together.
type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
