package sqlite

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestParseSQLiteTime_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantUTC string
		wantErr bool
	}{
		{
			name:    "rfc3339nano",
			in:      "2018-11-02T01:25:34.796Z",
			wantUTC: "2018-11-02T01:25:34.796Z",
		},
		{
			name:    "rfc3339",
			in:      "2018-11-02T02:25:34+01:00",
			wantUTC: "2018-11-02T01:25:34Z",
		},
		{
			name:    "sqlite_space_tz",
			in:      "2026-01-27 12:17:08+00:00",
			wantUTC: "2026-01-27T12:17:08Z",
		},
		{
			name:    "sqlite_space_tz_nanos",
			in:      "2026-01-27 12:17:08.000000000+00:00",
			wantUTC: "2026-01-27T12:17:08Z",
		},
		{
			name:    "sqlite_no_tz_assume_utc",
			in:      "2026-01-27 12:17:08",
			wantUTC: "2026-01-27T12:17:08Z",
		},
		{
			name:    "invalid",
			in:      "not-a-time",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSQLiteTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSQLiteTime(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			want, _ := time.Parse(time.RFC3339Nano, tt.wantUTC)
			if !got.Equal(want) {
				t.Fatalf("got=%s want=%s", got.Format(time.RFC3339Nano), tt.wantUTC)
			}
		})
	}
}

func TestFormatSQLiteTime_RoundTrip(t *testing.T) {
	t.Parallel()
	in := time.UnixMilli(1541121934796).In(time.FixedZone("X", 3600))
	if got := formatSQLiteTime(in); got != "2018-11-02T01:25:34.796Z" {
		t.Fatalf("formatSQLiteTime()=%q", got)
	}

	s := formatSQLiteTime(in)
	got, err := parseSQLiteTime(s)
	if err != nil {
		t.Fatalf("parseSQLiteTime(formatSQLiteTime()) err=%v", err)
	}
	if !got.Equal(in) {
		t.Fatalf("round trip mismatch: got=%s want=%s", got.UTC(), in.UTC())
	}
}

// parseSQLiteTime parses timestamps read back from SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
