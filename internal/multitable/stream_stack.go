package multitable

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/beliu/sparkify-postgres/internal/discovery"
)

// FileStats describes one parsed input file.
type FileStats struct {
	File        string
	Records     int
	ParseErrors int
}

// fileReader parses one file into a worker-local accumulator.
type fileReader[L any] func(ctx context.Context, f discovery.File, local L) (FileStats, error)

// readFiles parses files with at most workers goroutines. Every file gets its
// own accumulator from newLocal; once all files succeed, merge is called for
// each of them in file order, so merged row order does not depend on
// scheduling.
//
// Errors:
//   - The first read or parse error cancels the remaining files and is
//     returned; merge is never called in that case.
func readFiles[L any](
	ctx context.Context,
	files []discovery.File,
	workers int,
	newLocal func() L,
	read fileReader[L],
	merge func(local L, st FileStats),
) error {
	if workers < 1 {
		workers = 1
	}

	locals := make([]L, len(files))
	stats := make([]FileStats, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			local := newLocal()
			st, err := read(gctx, f, local)
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Name, err)
			}
			locals[i] = local
			stats[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range files {
		merge(locals[i], stats[i])
	}
	return nil
}
