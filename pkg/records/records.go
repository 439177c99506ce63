// Package records defines the typed input records read from song-metadata and
// event-log files.
//
// Field values are kept as Scalar so that a value of an unexpected JSON type
// (a numeric year written as a string, an empty userId) never rejects the
// whole record. Coercion into typed columns happens when dimension rows are
// derived.
package records

import (
	"fmt"
)

// Kind identifies which of the two input record shapes a file carries.
type Kind string

const (
	KindSong  Kind = "song"
	KindEvent Kind = "event"
)

// PlayPage is the event page value that marks a song play.
const PlayPage = "NextSong"

// Song is one line of a song-metadata file.
type Song struct {
	SongID          Scalar `json:"song_id"`
	Title           Scalar `json:"title"`
	ArtistID        Scalar `json:"artist_id"`
	ArtistName      Scalar `json:"artist_name"`
	ArtistLocation  Scalar `json:"artist_location"`
	ArtistLatitude  Scalar `json:"artist_latitude"`
	ArtistLongitude Scalar `json:"artist_longitude"`
	Year            Scalar `json:"year"`
	Duration        Scalar `json:"duration"`
	NumSongs        Scalar `json:"num_songs"`
}

// Event is one line of an event-log file.
type Event struct {
	TS            Scalar `json:"ts"`
	UserID        Scalar `json:"userId"`
	FirstName     Scalar `json:"firstName"`
	LastName      Scalar `json:"lastName"`
	Gender        Scalar `json:"gender"`
	Level         Scalar `json:"level"`
	Song          Scalar `json:"song"`
	Artist        Scalar `json:"artist"`
	Length        Scalar `json:"length"`
	SessionID     Scalar `json:"sessionId"`
	Location      Scalar `json:"location"`
	UserAgent     Scalar `json:"userAgent"`
	Page          Scalar `json:"page"`
	Auth          Scalar `json:"auth"`
	Method        Scalar `json:"method"`
	Status        Scalar `json:"status"`
	ItemInSession Scalar `json:"itemInSession"`
	Registration  Scalar `json:"registration"`
}

// IsPlay reports whether the event is a song play.
func (e Event) IsPlay() bool {
	s, ok := e.Page.Text()
	return ok && s == PlayPage
}

// ParseError reports a malformed input line.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("parse line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s:%d: %v", e.File, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
