// Package dimension derives star-schema dimension rows from input records.
//
// Derivation never rejects a record because a descriptive field has the wrong
// type: such fields become nil (SQL NULL). Only a record whose key cannot be
// read produces no row.
package dimension

import (
	"time"

	"github.com/beliu/sparkify-postgres/internal/schema"
	"github.com/beliu/sparkify-postgres/pkg/records"
)

// SongRowFrom derives the songs row of a song-metadata record.
func SongRowFrom(rec records.Song) (schema.SongRow, bool) {
	id, ok := key(rec.SongID)
	if !ok {
		return schema.SongRow{}, false
	}
	return schema.SongRow{
		SongID:   id,
		Title:    text(rec.Title),
		ArtistID: text(rec.ArtistID),
		Year:     integer(rec.Year),
		Duration: float(rec.Duration),
	}, true
}

// ArtistRowFrom derives the artists row of a song-metadata record.
func ArtistRowFrom(rec records.Song) (schema.ArtistRow, bool) {
	id, ok := key(rec.ArtistID)
	if !ok {
		return schema.ArtistRow{}, false
	}
	return schema.ArtistRow{
		ArtistID:  id,
		Name:      text(rec.ArtistName),
		Location:  text(rec.ArtistLocation),
		Latitude:  float(rec.ArtistLatitude),
		Longitude: float(rec.ArtistLongitude),
	}, true
}

// UserRowFrom derives the users row of a play event. Non-play events and
// events without a numeric userId produce no row.
func UserRowFrom(rec records.Event) (schema.UserRow, bool) {
	if !rec.IsPlay() {
		return schema.UserRow{}, false
	}
	uid, ok := rec.UserID.Int64()
	if !ok {
		return schema.UserRow{}, false
	}
	return schema.UserRow{
		UserID:    uid,
		FirstName: text(rec.FirstName),
		LastName:  text(rec.LastName),
		Gender:    text(rec.Gender),
		Level:     text(rec.Level),
	}, true
}

// TimeRowFrom derives the time row of a play event.
func TimeRowFrom(rec records.Event) (schema.TimeRow, bool) {
	if !rec.IsPlay() {
		return schema.TimeRow{}, false
	}
	ms, ok := rec.TS.Int64()
	if !ok {
		return schema.TimeRow{}, false
	}
	return TimeRowFor(ms), true
}

// StartTime converts epoch milliseconds to a UTC instant.
func StartTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TimeRowFor computes the calendar fields of an epoch-millisecond timestamp.
// Week is the ISO-8601 week number, Year the calendar year, and Weekday counts
// from Monday=0.
func TimeRowFor(ms int64) schema.TimeRow {
	t := StartTime(ms)
	_, week := t.ISOWeek()
	return schema.TimeRow{
		TS:        ms,
		StartTime: t,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   (int(t.Weekday()) + 6) % 7,
	}
}

func key(s records.Scalar) (string, bool) {
	v, ok := s.Text()
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func text(s records.Scalar) *string {
	v, ok := s.Text()
	if !ok {
		return nil
	}
	return &v
}

func float(s records.Scalar) *float64 {
	v, ok := s.Float64()
	if !ok {
		return nil
	}
	return &v
}

func integer(s records.Scalar) *int64 {
	v, ok := s.Int64()
	if !ok {
		return nil
	}
	return &v
}
