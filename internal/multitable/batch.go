package multitable

import (
	"fmt"

	"github.com/beliu/sparkify-postgres/internal/catalog"
	"github.com/beliu/sparkify-postgres/internal/dimension"
	"github.com/beliu/sparkify-postgres/internal/facts"
	"github.com/beliu/sparkify-postgres/internal/schema"
	"github.com/beliu/sparkify-postgres/pkg/records"
)

// Phase is the lifecycle state of a Batch.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseExtractingSongs
	PhaseExtractingLogs
	PhaseDeduplicating
	PhaseLoading
	PhaseCommitted
	PhaseAborted
)

var phaseNames = [...]string{
	PhaseIdle:            "idle",
	PhaseExtractingSongs: "extracting_songs",
	PhaseExtractingLogs:  "extracting_logs",
	PhaseDeduplicating:   "deduplicating",
	PhaseLoading:         "loading",
	PhaseCommitted:       "committed",
	PhaseAborted:         "aborted",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Terminal reports whether no further transition is allowed.
func (p Phase) Terminal() bool { return p == PhaseCommitted || p == PhaseAborted }

// next lists the legal transitions. Every non-terminal phase, Idle included,
// may also abort.
var next = map[Phase]Phase{
	PhaseIdle:            PhaseExtractingSongs,
	PhaseExtractingSongs: PhaseExtractingLogs,
	PhaseExtractingLogs:  PhaseDeduplicating,
	PhaseDeduplicating:   PhaseLoading,
	PhaseLoading:         PhaseCommitted,
}

// Batch owns the five star-schema tables of one run. Tables start empty,
// accumulate across every file of a phase and are discarded with the Batch.
//
// A Batch is driven by one goroutine; parallel readers accumulate into
// their own tables, which the owner merges.
type Batch struct {
	Songs     *dimension.Table[records.Song, string, schema.SongRow]
	Artists   *dimension.Table[records.Song, string, schema.ArtistRow]
	Users     *dimension.Table[records.Event, int64, schema.UserRow]
	Time      *dimension.Table[records.Event, int64, schema.TimeRow]
	SongPlays *dimension.Table[records.Event, string, schema.SongPlayRow]

	// Catalog is set when the song phase ends and never changes afterwards.
	Catalog  *catalog.Index
	Resolver *facts.Resolver

	phase Phase
}

// NewBatch returns an idle batch with empty tables.
func NewBatch() *Batch {
	return &Batch{
		Songs:   dimension.NewTable(dimension.Songs),
		Artists: dimension.NewTable(dimension.Artists),
		Users:   dimension.NewTable(dimension.Users),
		Time:    dimension.NewTable(dimension.Times),
	}
}

// Phase returns the current phase.
func (b *Batch) Phase() Phase { return b.phase }

// advance moves to the phase following the current one, or to to when it
// is PhaseAborted.
func (b *Batch) advance(to Phase) error {
	if to == PhaseAborted {
		if b.phase.Terminal() {
			return fmt.Errorf("multitable: cannot abort from %s", b.phase)
		}
		b.phase = to
		return nil
	}
	if want, ok := next[b.phase]; !ok || want != to {
		return fmt.Errorf("multitable: illegal transition %s -> %s", b.phase, to)
	}
	b.phase = to
	return nil
}

// abort is advance(PhaseAborted) for error paths; a batch already terminal
// keeps its phase.
func (b *Batch) abort() {
	_ = b.advance(PhaseAborted)
}

// freezeCatalog builds the catalog index from the deduplicated song and
// artist tables and the resolver for the songplays table.
func (b *Batch) freezeCatalog() {
	b.Catalog = catalog.Build(b.Songs.Rows(), b.Artists.Rows())
	b.Resolver = facts.NewResolver(b.Catalog)
	b.SongPlays = dimension.NewTable(b.Resolver.Strategy())
}

// Rows returns the bind values of table's rows in column order.
func (b *Batch) Rows(table string) ([][]any, error) {
	switch table {
	case schema.TableSongs:
		return values(b.Songs.Rows()), nil
	case schema.TableArtists:
		return values(b.Artists.Rows()), nil
	case schema.TableUsers:
		return values(b.Users.Rows()), nil
	case schema.TableTime:
		return values(b.Time.Rows()), nil
	case schema.TableSongPlays:
		if b.SongPlays == nil {
			return nil, nil
		}
		return values(b.SongPlays.Rows()), nil
	default:
		return nil, fmt.Errorf("multitable: unknown table %q", table)
	}
}

func values[R schema.Row](rows []R) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = r.Values()
	}
	return out
}
