// Package multitable drives one Sparkify batch through extraction,
// deduplication and the per-table load into the star schema.
package multitable

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/beliu/sparkify-postgres/internal/dimension"
	"github.com/beliu/sparkify-postgres/internal/discovery"
	"github.com/beliu/sparkify-postgres/internal/metrics"
	jsonparser "github.com/beliu/sparkify-postgres/internal/parser/json"
	"github.com/beliu/sparkify-postgres/internal/schema"
	"github.com/beliu/sparkify-postgres/internal/transformer"
	"github.com/beliu/sparkify-postgres/pkg/records"
)

// Engine runs the extract and deduplicate phases of a Batch.
type Engine struct {
	Logger *zap.Logger

	// Workers bounds how many files of a phase are parsed at once.
	Workers int

	Strict   bool
	Encoding string

	// UserPolicy picks the surviving users row per user_id.
	UserPolicy transformer.KeepPolicy
}

// ExtractStats summarizes the extract phases.
type ExtractStats struct {
	SongFiles   int
	LogFiles    int
	Songs       int // song-metadata records read
	Events      int // event records read, any page
	ParseErrors int

	// Duplicates removed per table.
	Duplicates map[string]int

	CatalogEntries int
	Hits, Misses   int64
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Run extracts songs then logs and deduplicates, leaving b in
// PhaseDeduplicating ready to load. On error b is aborted.
func (e *Engine) Run(ctx context.Context, b *Batch, songFiles, logFiles []discovery.File) (ExtractStats, error) {
	st := ExtractStats{Duplicates: map[string]int{}}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"extract_songs", func() error { return e.ExtractSongs(ctx, b, songFiles, &st) }},
		{"extract_logs", func() error { return e.ExtractLogs(ctx, b, logFiles, &st) }},
		{"deduplicate", func() error { return e.Deduplicate(b, &st) }},
	}
	for _, s := range steps {
		start := time.Now()
		err := s.fn()
		metrics.RecordStep(s.name, err, time.Since(start))
		if err != nil {
			b.abort()
			return st, fmt.Errorf("%s: %w", s.name, err)
		}
		e.logger().Info("step done", zap.String("step", s.name), zap.Duration("duration", time.Since(start)))
	}
	return st, nil
}

type songLocal struct {
	songs   *dimension.Table[records.Song, string, schema.SongRow]
	artists *dimension.Table[records.Song, string, schema.ArtistRow]
}

// ExtractSongs reads every song file into b, deduplicates songs and
// artists and freezes the catalog.
func (e *Engine) ExtractSongs(ctx context.Context, b *Batch, files []discovery.File, st *ExtractStats) error {
	if err := b.advance(PhaseExtractingSongs); err != nil {
		return err
	}
	log := e.logger()

	err := readFiles(ctx, files, e.Workers,
		func() songLocal {
			return songLocal{
				songs:   dimension.NewTable(dimension.Songs),
				artists: dimension.NewTable(dimension.Artists),
			}
		},
		func(ctx context.Context, f discovery.File, local songLocal) (FileStats, error) {
			return e.readFile(ctx, f, records.KindSong, func(rc readFn) error {
				return jsonparser.StreamSongs(ctx, rc.r, rc.opts, func(rec records.Song) error {
					rc.st.Records++
					local.songs.Accumulate(rec)
					local.artists.Accumulate(rec)
					return nil
				}, rc.onParseErr)
			})
		},
		func(local songLocal, fs FileStats) {
			b.Songs.Merge(local.songs)
			b.Artists.Merge(local.artists)
			st.Songs += fs.Records
			st.ParseErrors += fs.ParseErrors
		},
	)
	if err != nil {
		return err
	}
	st.SongFiles = len(files)

	st.Duplicates[schema.TableSongs] = b.Songs.Dedupe(transformer.KeepFirst)
	st.Duplicates[schema.TableArtists] = b.Artists.Dedupe(transformer.KeepFirst)
	b.freezeCatalog()
	st.CatalogEntries = b.Catalog.Len()
	metrics.RecordRecords(string(records.KindSong), st.Songs)

	log.Info("song phase done",
		zap.Int("files", len(files)),
		zap.Int("records", st.Songs),
		zap.Int("songs", b.Songs.Len()),
		zap.Int("artists", b.Artists.Len()),
		zap.Int("catalog_entries", st.CatalogEntries),
	)
	return nil
}

type logLocal struct {
	users *dimension.Table[records.Event, int64, schema.UserRow]
	times *dimension.Table[records.Event, int64, schema.TimeRow]
	plays *dimension.Table[records.Event, string, schema.SongPlayRow]
}

// ExtractLogs reads every event file into b, resolving songplays against
// the frozen catalog. Only NextSong events contribute rows.
func (e *Engine) ExtractLogs(ctx context.Context, b *Batch, files []discovery.File, st *ExtractStats) error {
	if err := b.advance(PhaseExtractingLogs); err != nil {
		return err
	}
	log := e.logger()
	playStrategy := b.Resolver.Strategy()

	err := readFiles(ctx, files, e.Workers,
		func() logLocal {
			return logLocal{
				users: dimension.NewTable(dimension.Users),
				times: dimension.NewTable(dimension.Times),
				plays: dimension.NewTable(playStrategy),
			}
		},
		func(ctx context.Context, f discovery.File, local logLocal) (FileStats, error) {
			return e.readFile(ctx, f, records.KindEvent, func(rc readFn) error {
				return jsonparser.StreamEvents(ctx, rc.r, rc.opts, func(rec records.Event) error {
					rc.st.Records++
					if !rec.IsPlay() {
						return nil
					}
					local.users.Accumulate(rec)
					local.times.Accumulate(rec)
					local.plays.Accumulate(rec)
					return nil
				}, rc.onParseErr)
			})
		},
		func(local logLocal, fs FileStats) {
			b.Users.Merge(local.users)
			b.Time.Merge(local.times)
			b.SongPlays.Merge(local.plays)
			st.Events += fs.Records
			st.ParseErrors += fs.ParseErrors
		},
	)
	if err != nil {
		return err
	}
	st.LogFiles = len(files)
	st.Hits, st.Misses = b.Resolver.Hits(), b.Resolver.Misses()

	metrics.RecordRecords(string(records.KindEvent), st.Events)
	metrics.RecordRecords("play", b.SongPlays.Len())
	metrics.RecordResolution(st.Hits, st.Misses)

	log.Info("log phase done",
		zap.Int("files", len(files)),
		zap.Int("records", st.Events),
		zap.Int("plays", b.SongPlays.Len()),
		zap.Int("plays_dropped", b.SongPlays.Skipped()),
		zap.Int64("resolved", st.Hits),
		zap.Int64("unresolved", st.Misses),
	)
	return nil
}

// Deduplicate removes repeated keys from the users, time and songplays
// tables. Users follow e.UserPolicy; the others keep the first row.
func (e *Engine) Deduplicate(b *Batch, st *ExtractStats) error {
	if err := b.advance(PhaseDeduplicating); err != nil {
		return err
	}
	st.Duplicates[schema.TableUsers] = b.Users.Dedupe(e.UserPolicy)
	st.Duplicates[schema.TableTime] = b.Time.Dedupe(transformer.KeepFirst)
	st.Duplicates[schema.TableSongPlays] = b.SongPlays.Dedupe(transformer.KeepFirst)

	e.logger().Debug("deduplicated",
		zap.String("user_policy", string(e.UserPolicy)),
		zap.Any("duplicates", st.Duplicates),
	)
	return nil
}

// readFn carries what a per-kind stream call needs.
type readFn struct {
	r          io.Reader
	opts       jsonparser.Options
	st         *FileStats
	onParseErr func(*records.ParseError)
}

// readFile opens f and runs stream over it, counting the file and its
// malformed lines.
func (e *Engine) readFile(ctx context.Context, f discovery.File, kind records.Kind, stream func(readFn) error) (FileStats, error) {
	st := FileStats{File: f.Name}
	log := e.logger()

	rc, err := f.Open(ctx)
	if err != nil {
		metrics.RecordFile(string(kind), err)
		return st, err
	}
	defer rc.Close()

	err = stream(readFn{
		r:    rc,
		opts: jsonparser.Options{File: f.Name, Strict: e.Strict, Encoding: e.Encoding},
		st:   &st,
		onParseErr: func(pe *records.ParseError) {
			st.ParseErrors++
			metrics.RecordParseError(string(kind))
			log.Warn("skipping malformed line", zap.String("file", pe.File), zap.Int("line", pe.Line), zap.Error(pe.Err))
		},
	})
	metrics.RecordFile(string(kind), err)
	if err != nil {
		return st, err
	}

	log.Info("file read",
		zap.String("file", f.Name),
		zap.String("kind", string(kind)),
		zap.Int("records", st.Records),
		zap.Int("parse_errors", st.ParseErrors),
	)
	return st, nil
}
