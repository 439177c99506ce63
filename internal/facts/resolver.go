// Package facts assembles songplays fact rows from play events.
package facts

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/beliu/sparkify-postgres/internal/catalog"
	"github.com/beliu/sparkify-postgres/internal/dimension"
	"github.com/beliu/sparkify-postgres/internal/schema"
	"github.com/beliu/sparkify-postgres/pkg/records"
)

// Finder is the catalog lookup the resolver needs.
type Finder interface {
	Find(title, artistName string, duration float64) (catalog.Match, bool)
}

// Resolver turns play events into fact rows.
//
// Resolve is safe for concurrent use as long as the Finder is.
type Resolver struct {
	finder Finder
	hits   atomic.Int64
	misses atomic.Int64
}

// NewResolver returns a resolver that looks songs up in f.
func NewResolver(f Finder) *Resolver {
	return &Resolver{finder: f}
}

// SongPlayID composes the synthetic fact key from its three components.
// A missing session id leaves its segment empty.
func SongPlayID(ts, userID int64, sessionID *int64) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(userID, 10))
	b.WriteByte('|')
	if sessionID != nil {
		b.WriteString(strconv.FormatInt(*sessionID, 10))
	}
	return b.String()
}

// Resolve builds the fact row of a play event. It reports false for
// non-play events and for events lacking a timestamp or user id.
//
// A catalog miss is not a failure: the row is returned with nil song and
// artist references.
func (r *Resolver) Resolve(rec records.Event) (schema.SongPlayRow, bool) {
	if !rec.IsPlay() {
		return schema.SongPlayRow{}, false
	}
	ts, ok := rec.TS.Int64()
	if !ok {
		return schema.SongPlayRow{}, false
	}
	uid, ok := rec.UserID.Int64()
	if !ok {
		return schema.SongPlayRow{}, false
	}

	var session *int64
	if v, ok := rec.SessionID.Int64(); ok {
		session = &v
	}

	row := schema.SongPlayRow{
		SongPlayID: SongPlayID(ts, uid, session),
		StartTime:  dimension.StartTime(ts),
		UserID:     uid,
		Level:      text(rec.Level),
		SessionID:  session,
		Location:   text(rec.Location),
		UserAgent:  text(rec.UserAgent),
	}

	if m, ok := r.lookup(rec); ok {
		songID, artistID := m.SongID, m.ArtistID
		row.SongID = &songID
		row.ArtistID = &artistID
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	return row, true
}

func (r *Resolver) lookup(rec records.Event) (catalog.Match, bool) {
	if r.finder == nil {
		return catalog.Match{}, false
	}
	title, ok := rec.Song.Text()
	if !ok {
		return catalog.Match{}, false
	}
	artist, ok := rec.Artist.Text()
	if !ok {
		return catalog.Match{}, false
	}
	length, ok := rec.Length.Float64()
	if !ok {
		return catalog.Match{}, false
	}
	return r.finder.Find(title, artist, length)
}

// Hits returns how many resolved rows matched a catalog entry.
func (r *Resolver) Hits() int64 { return r.hits.Load() }

// Misses returns how many resolved rows matched nothing.
func (r *Resolver) Misses() int64 { return r.misses.Load() }

// Strategy returns the songplays table strategy backed by this resolver.
func (r *Resolver) Strategy() dimension.Strategy[records.Event, string, schema.SongPlayRow] {
	return dimension.Strategy[records.Event, string, schema.SongPlayRow]{
		Table:  schema.TableSongPlays,
		Derive: r.Resolve,
		Key:    func(row schema.SongPlayRow) string { return row.SongPlayID },
	}
}

func text(s records.Scalar) *string {
	v, ok := s.Text()
	if !ok {
		return nil
	}
	return &v
}
