// Package json decodes line-delimited JSON input files into typed records.
package json

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/beliu/sparkify-postgres/pkg/records"
)

// Options controls how one input file is decoded.
type Options struct {
	// File is the name reported in ParseError values.
	File string

	// Strict aborts on the first malformed line instead of skipping it.
	Strict bool

	// Encoding names the input character set (WHATWG label, e.g. "windows-1252").
	// Empty or "utf-8" reads bytes as-is.
	Encoding string
}

var errNotObject = errors.New("line is not a JSON object")

var utf8BOM = []byte("\xef\xbb\xbf")

// StreamSongs decodes song-metadata records from r and passes each to emit.
//
// Malformed lines are reported through onParseErr and skipped, unless
// opts.Strict is set, in which case the *records.ParseError is returned.
// An error from emit stops the stream and is returned as-is.
func StreamSongs(
	ctx context.Context,
	r io.Reader,
	opts Options,
	emit func(records.Song) error,
	onParseErr func(*records.ParseError),
) error {
	return streamLines(ctx, r, opts, emit, onParseErr)
}

// StreamEvents decodes event-log records from r. Semantics match StreamSongs.
func StreamEvents(
	ctx context.Context,
	r io.Reader,
	opts Options,
	emit func(records.Event) error,
	onParseErr func(*records.ParseError),
) error {
	return streamLines(ctx, r, opts, emit, onParseErr)
}

func streamLines[T any](
	ctx context.Context,
	r io.Reader,
	opts Options,
	emit func(T) error,
	onParseErr func(*records.ParseError),
) error {
	src, err := decodingReader(r, opts.Encoding)
	if err != nil {
		return err
	}

	// ReadBytes has no token limit, unlike bufio.Scanner.
	br := bufio.NewReaderSize(src, 64*1024)
	line := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, readErr := br.ReadBytes('\n')
		if len(b) > 0 {
			line++
			if line == 1 {
				b = bytes.TrimPrefix(b, utf8BOM)
			}
			b = bytes.TrimSpace(b)

			if len(b) > 0 {
				var rec T
				if err := decodeObject(b, &rec); err != nil {
					pe := &records.ParseError{File: opts.File, Line: line, Err: err}
					if opts.Strict {
						return pe
					}
					if onParseErr != nil {
						onParseErr(pe)
					}
				} else if err := emit(rec); err != nil {
					return err
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("json: read line %d: %w", line+1, readErr)
		}
	}
}

func decodeObject(b []byte, dst any) error {
	if b[0] != '{' {
		return errNotObject
	}
	return json.Unmarshal(b, dst)
}

func decodingReader(r io.Reader, encoding string) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("json: unsupported encoding %q: %w", encoding, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
