// Package catalog indexes the song catalog for fact resolution.
package catalog

import "github.com/beliu/sparkify-postgres/internal/schema"

// Key is the exact match triple. Duration is compared with ==; there is no
// tolerance.
type Key struct {
	Title      string
	ArtistName string
	Duration   float64
}

// Match identifies one catalog entry.
type Match struct {
	SongID   string
	ArtistID string
}

// Index answers exact (title, artist name, duration) lookups.
//
// An Index is immutable once Build returns, so Find is safe for concurrent use.
type Index struct {
	entries map[Key]Match
}

// Build joins songs to artists on artist_id and indexes the result.
//
// Songs whose artist is unknown are left out (inner join). So are songs or
// artists missing any of the triple's fields. When two songs share a triple
// the earlier one in songs wins.
func Build(songs []schema.SongRow, artists []schema.ArtistRow) *Index {
	names := make(map[string]string, len(artists))
	for _, a := range artists {
		if a.Name == nil {
			continue
		}
		if _, ok := names[a.ArtistID]; !ok {
			names[a.ArtistID] = *a.Name
		}
	}

	entries := make(map[Key]Match, len(songs))
	for _, s := range songs {
		if s.Title == nil || s.ArtistID == nil || s.Duration == nil {
			continue
		}
		name, ok := names[*s.ArtistID]
		if !ok {
			continue
		}
		k := Key{Title: *s.Title, ArtistName: name, Duration: *s.Duration}
		if _, dup := entries[k]; dup {
			continue
		}
		entries[k] = Match{SongID: s.SongID, ArtistID: *s.ArtistID}
	}
	return &Index{entries: entries}
}

// Find looks up the entry matching all three fields exactly.
func (ix *Index) Find(title, artistName string, duration float64) (Match, bool) {
	if ix == nil {
		return Match{}, false
	}
	m, ok := ix.entries[Key{Title: title, ArtistName: artistName, Duration: duration}]
	return m, ok
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}
