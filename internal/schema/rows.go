// Package schema holds the star-schema row types shared by the pipeline stages
// and the storage backends.
//
// Nullable columns are pointers; Values renders nil pointers as untyped nil so
// every backend binds them as SQL NULL.
package schema

import "time"

// Table names of the star schema.
const (
	TableSongs     = "songs"
	TableArtists   = "artists"
	TableUsers     = "users"
	TableTime      = "time"
	TableSongPlays = "songplays"
)

// SongRow is one row of the songs dimension.
type SongRow struct {
	SongID   string
	Title    *string
	ArtistID *string
	Year     *int64
	Duration *float64
}

// SongColumns is the column order of SongRow.Values.
var SongColumns = []string{"song_id", "title", "artist_id", "year", "duration"}

func (r SongRow) Values() []any {
	return []any{r.SongID, nullable(r.Title), nullable(r.ArtistID), nullable(r.Year), nullable(r.Duration)}
}

// ArtistRow is one row of the artists dimension.
type ArtistRow struct {
	ArtistID  string
	Name      *string
	Location  *string
	Latitude  *float64
	Longitude *float64
}

var ArtistColumns = []string{"artist_id", "name", "location", "latitude", "longitude"}

func (r ArtistRow) Values() []any {
	return []any{r.ArtistID, nullable(r.Name), nullable(r.Location), nullable(r.Latitude), nullable(r.Longitude)}
}

// UserRow is one row of the users dimension.
type UserRow struct {
	UserID    int64
	FirstName *string
	LastName  *string
	Gender    *string
	Level     *string
}

var UserColumns = []string{"user_id", "first_name", "last_name", "gender", "level"}

func (r UserRow) Values() []any {
	return []any{r.UserID, nullable(r.FirstName), nullable(r.LastName), nullable(r.Gender), nullable(r.Level)}
}

// TimeRow is one row of the time dimension. All calendar fields derive from TS.
type TimeRow struct {
	TS        int64 // epoch milliseconds
	StartTime time.Time
	Hour      int
	Day       int
	Week      int
	Month     int
	Year      int
	Weekday   int // Monday=0
}

var TimeColumns = []string{"start_time", "hour", "day", "week", "month", "year", "weekday"}

func (r TimeRow) Values() []any {
	return []any{r.StartTime, r.Hour, r.Day, r.Week, r.Month, r.Year, r.Weekday}
}

// SongPlayRow is one row of the songplays fact table.
type SongPlayRow struct {
	SongPlayID string
	StartTime  time.Time
	UserID     int64
	Level      *string
	SongID     *string
	ArtistID   *string
	SessionID  *int64
	Location   *string
	UserAgent  *string
}

var SongPlayColumns = []string{
	"songplay_id", "start_time", "user_id", "level", "song_id",
	"artist_id", "session_id", "location", "user_agent",
}

func (r SongPlayRow) Values() []any {
	return []any{
		r.SongPlayID, r.StartTime, r.UserID, nullable(r.Level), nullable(r.SongID),
		nullable(r.ArtistID), nullable(r.SessionID), nullable(r.Location), nullable(r.UserAgent),
	}
}

// Row is implemented by every star-schema row type.
type Row interface {
	Values() []any
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
