package dimension

import (
	"github.com/beliu/sparkify-postgres/internal/schema"
	"github.com/beliu/sparkify-postgres/internal/transformer"
	"github.com/beliu/sparkify-postgres/pkg/records"
)

// Strategy describes one star-schema table: how a record accumulates into a
// row and which key identifies the row.
type Strategy[Rec any, K comparable, R any] struct {
	Table  string
	Derive func(Rec) (R, bool)
	Key    func(R) K
}

// Songs, Artists, Users and Times are the dimension strategies. The fact
// strategy needs a catalog and is built by the facts package.
var (
	Songs = Strategy[records.Song, string, schema.SongRow]{
		Table:  schema.TableSongs,
		Derive: SongRowFrom,
		Key:    func(r schema.SongRow) string { return r.SongID },
	}
	Artists = Strategy[records.Song, string, schema.ArtistRow]{
		Table:  schema.TableArtists,
		Derive: ArtistRowFrom,
		Key:    func(r schema.ArtistRow) string { return r.ArtistID },
	}
	Users = Strategy[records.Event, int64, schema.UserRow]{
		Table:  schema.TableUsers,
		Derive: UserRowFrom,
		Key:    func(r schema.UserRow) int64 { return r.UserID },
	}
	Times = Strategy[records.Event, int64, schema.TimeRow]{
		Table:  schema.TableTime,
		Derive: TimeRowFrom,
		Key:    func(r schema.TimeRow) int64 { return r.TS },
	}
)

// Table accumulates rows for one star-schema table.
//
// A Table is not safe for concurrent mutation. Parallel readers accumulate
// into their own Table and the owner merges them with Merge.
type Table[Rec any, K comparable, R any] struct {
	strategy Strategy[Rec, K, R]
	rows     []R
	skipped  int
}

// NewTable returns an empty table driven by s.
func NewTable[Rec any, K comparable, R any](s Strategy[Rec, K, R]) *Table[Rec, K, R] {
	return &Table[Rec, K, R]{strategy: s}
}

// Name returns the destination table name.
func (t *Table[Rec, K, R]) Name() string { return t.strategy.Table }

// Accumulate derives a row from rec and appends it. It reports false when rec
// does not contribute to this table.
func (t *Table[Rec, K, R]) Accumulate(rec Rec) bool {
	row, ok := t.strategy.Derive(rec)
	if !ok {
		t.skipped++
		return false
	}
	t.rows = append(t.rows, row)
	return true
}

// Merge appends other's rows after t's rows, preserving their order.
func (t *Table[Rec, K, R]) Merge(other *Table[Rec, K, R]) {
	t.rows = append(t.rows, other.rows...)
	t.skipped += other.skipped
}

// Dedupe removes rows with repeated keys and returns how many were removed.
func (t *Table[Rec, K, R]) Dedupe(policy transformer.KeepPolicy) int {
	before := len(t.rows)
	t.rows = transformer.Dedupe(t.rows, t.strategy.Key, policy)
	return before - len(t.rows)
}

// Key returns the key of row.
func (t *Table[Rec, K, R]) Key(row R) K { return t.strategy.Key(row) }

// Rows returns the accumulated rows. The slice must not be modified.
func (t *Table[Rec, K, R]) Rows() []R { return t.rows }

// Len returns the number of accumulated rows.
func (t *Table[Rec, K, R]) Len() int { return len(t.rows) }

// Skipped returns how many records produced no row.
func (t *Table[Rec, K, R]) Skipped() int { return t.skipped }
