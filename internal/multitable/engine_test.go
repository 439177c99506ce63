package multitable

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/beliu/sparkify-postgres/internal/facts"
	"github.com/beliu/sparkify-postgres/internal/schema"
	"github.com/beliu/sparkify-postgres/internal/transformer"
	"github.com/beliu/sparkify-postgres/pkg/records"
)

const kungFuSong = `{"num_songs":1,"artist_id":"ART1","artist_latitude":null,"artist_longitude":null,` +
	`"artist_location":"","artist_name":"Death Cab","song_id":"SOA1","title":"Kung Fu","duration":199.5,"year":0}`

const kungFuEvent = `{"artist":"Death Cab","auth":"Logged In","firstName":"Lily","gender":"F","itemInSession":0,` +
	`"lastName":"Koch","length":199.5,"level":"free","location":"Chicago-Naperville-Elgin, IL-IN-WI",` +
	`"method":"PUT","page":"NextSong","registration":1.541048010796E12,"sessionId":139,"song":"Kung Fu",` +
	`"status":200,"ts":1541121934796,"userAgent":"Mozilla/5.0","userId":"8"}`

// fixture lays out song_data/ and log_data/ under a temp dir.
type fixture struct {
	root string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "song_data"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "log_data"), 0o755))
	return fixture{root: root}
}

func (f fixture) songDir() string { return filepath.Join(f.root, "song_data") }
func (f fixture) logDir() string  { return filepath.Join(f.root, "log_data") }

func (f fixture) write(t *testing.T, rel string, lines ...string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func runEngine(t *testing.T, e *Engine, f fixture) (*Batch, ExtractStats) {
	t.Helper()
	b := NewBatch()
	st, err := e.Run(context.Background(), b, listDir(t, f.songDir()), listDir(t, f.logDir()))
	require.NoError(t, err)
	require.Equal(t, PhaseDeduplicating, b.Phase())
	return b, st
}

func TestEngine_KungFuScenario(t *testing.T) {
	f := newFixture(t)
	f.write(t, "song_data/A/A/A/TRAAAAA.json", kungFuSong)
	f.write(t, "log_data/2018/11/2018-11-02-events.json", kungFuEvent)

	b, st := runEngine(t, &Engine{Workers: 2}, f)

	require.Equal(t, 1, b.SongPlays.Len())
	play := b.SongPlays.Rows()[0]
	require.Equal(t, "1541121934796|8|139", play.SongPlayID)
	require.Equal(t, facts.SongPlayID(1541121934796, 8, ptr(int64(139))), play.SongPlayID)
	require.NotNil(t, play.SongID)
	require.NotNil(t, play.ArtistID)
	require.Equal(t, "SOA1", *play.SongID)
	require.Equal(t, "ART1", *play.ArtistID)
	require.True(t, play.StartTime.Equal(time.UnixMilli(1541121934796)))
	require.Equal(t, time.UTC, play.StartTime.Location())
	require.Equal(t, int64(8), play.UserID)

	require.Equal(t, int64(1), st.Hits)
	require.Zero(t, st.Misses)
	require.Equal(t, 1, st.CatalogEntries)

	tm := b.Time.Rows()[0]
	require.Equal(t, 1, tm.Hour)
	require.Equal(t, 2, tm.Day)
	require.Equal(t, 44, tm.Week)
	require.Equal(t, 11, tm.Month)
	require.Equal(t, 2018, tm.Year)
	require.Equal(t, 4, tm.Weekday) // Friday
}

func TestEngine_DuplicatesAcrossFilesKeepFirst(t *testing.T) {
	f := newFixture(t)
	f.write(t, "song_data/a.json", `{"song_id":"S1","title":"first","artist_id":"A1","artist_name":"One","duration":1.5}`)
	f.write(t, "song_data/b.json",
		`{"song_id":"S1","title":"second","artist_id":"A1","artist_name":"Uno","duration":1.5}`,
		`{"song_id":"S2","title":"other","artist_id":"A2","artist_name":"Two","duration":2}`,
	)

	b, st := runEngine(t, &Engine{Workers: 4}, f)

	require.Equal(t, 2, b.Songs.Len())
	require.Equal(t, "first", *b.Songs.Rows()[0].Title)
	require.Equal(t, "One", *b.Artists.Rows()[0].Name)
	require.Equal(t, 1, st.Duplicates[schema.TableSongs])
	require.Equal(t, 1, st.Duplicates[schema.TableArtists])
	require.Equal(t, 3, st.Songs)
	require.Equal(t, 2, st.SongFiles)
}

func TestEngine_UserLevelPolicy(t *testing.T) {
	event := func(ts, level string) string {
		return `{"page":"NextSong","ts":` + ts + `,"userId":"42","sessionId":1,"level":"` + level + `","firstName":"A"}`
	}
	f := newFixture(t)
	f.write(t, "log_data/1.json", event("1000", "free"))
	f.write(t, "log_data/2.json", event("2000", "paid"))

	for _, tc := range []struct {
		policy transformer.KeepPolicy
		want   string
	}{
		{transformer.KeepLast, "paid"},
		{transformer.KeepFirst, "free"},
	} {
		b, st := runEngine(t, &Engine{Workers: 2, UserPolicy: tc.policy}, f)
		require.Equal(t, 1, b.Users.Len(), tc.policy)
		require.Equal(t, tc.want, *b.Users.Rows()[0].Level, tc.policy)
		require.Equal(t, 1, st.Duplicates[schema.TableUsers])
		require.Equal(t, 2, b.SongPlays.Len())
		require.Equal(t, 2, b.Time.Len())
	}
}

func TestEngine_FiltersNonPlaysAndMissesResolveToNull(t *testing.T) {
	f := newFixture(t)
	f.write(t, "song_data/s.json", kungFuSong)
	f.write(t, "log_data/l.json",
		`{"page":"Home","ts":1,"userId":"8","sessionId":1}`,
		`{"page":"NextSong","ts":2,"userId":"8","sessionId":1,"song":"Kung Fu","artist":"Death Cab","length":199.50001}`,
		`{"page":"NextSong","ts":3,"userId":"","sessionId":1}`,
		`{"page":"NextSong","ts":2,"userId":"8","sessionId":1,"song":"dup"}`,
	)

	b, st := runEngine(t, &Engine{Workers: 1}, f)

	require.Equal(t, 4, st.Events)
	require.Equal(t, 1, b.SongPlays.Len())
	require.Nil(t, b.SongPlays.Rows()[0].SongID)
	require.Nil(t, b.SongPlays.Rows()[0].ArtistID)
	require.Equal(t, int64(2), st.Misses)
	require.Equal(t, 1, st.Duplicates[schema.TableSongPlays])
	require.Equal(t, 2, b.Time.Len()) // ts=3 has no user but still a valid instant
	require.Equal(t, 1, b.Users.Len())
}

func TestEngine_MalformedLines(t *testing.T) {
	f := newFixture(t)
	f.write(t, "song_data/s.json", kungFuSong, `{"song_id": `, `[1,2]`)
	f.write(t, "log_data/l.json", kungFuEvent)

	b, st := runEngine(t, &Engine{}, f)
	require.Equal(t, 2, st.ParseErrors)
	require.Equal(t, 1, b.Songs.Len())

	strict := NewBatch()
	_, err := (&Engine{Strict: true}).Run(context.Background(), strict, listDir(t, f.songDir()), listDir(t, f.logDir()))
	var pe *records.ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 2, pe.Line)
	require.Equal(t, PhaseAborted, strict.Phase())
}

func TestEngine_LogsEveryFileAtInfo(t *testing.T) {
	f := newFixture(t)
	f.write(t, "song_data/a.json", kungFuSong)
	f.write(t, "song_data/b.json", kungFuSong, `{"song_id": `)
	f.write(t, "log_data/l.json", kungFuEvent)

	core, logs := observer.New(zapcore.InfoLevel)
	runEngine(t, &Engine{Logger: zap.New(core), Workers: 2}, f)

	got := map[string]map[string]any{}
	for _, e := range logs.FilterMessage("file read").All() {
		require.Equal(t, zapcore.InfoLevel, e.Level)
		fields := e.ContextMap()
		got[fields["file"].(string)] = fields
	}
	require.Len(t, got, 3)

	b := got[filepath.Join(f.songDir(), "b.json")]
	require.NotNil(t, b)
	require.Equal(t, "song", b["kind"])
	require.Equal(t, int64(1), b["records"])
	require.Equal(t, int64(1), b["parse_errors"])
	require.Equal(t, "event", got[filepath.Join(f.logDir(), "l.json")]["kind"])
}

func TestEngine_DeterministicAcrossWorkerCounts(t *testing.T) {
	f := newFixture(t)
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		f.write(t, "song_data/"+name+".json",
			`{"song_id":"S`+name+`","title":"T","artist_id":"A","artist_name":"N","duration":`+string(rune('1'+i))+`}`)
		f.write(t, "log_data/"+name+".json",
			`{"page":"NextSong","ts":`+string(rune('1'+i))+`000,"userId":"1","sessionId":1,"level":"`+name+`"}`)
	}

	b1, _ := runEngine(t, &Engine{Workers: 1, UserPolicy: transformer.KeepLast}, f)
	b8, _ := runEngine(t, &Engine{Workers: 8, UserPolicy: transformer.KeepLast}, f)
	require.Equal(t, b1.Songs.Rows(), b8.Songs.Rows())
	require.Equal(t, b1.SongPlays.Rows(), b8.SongPlays.Rows())
	require.Equal(t, b1.Users.Rows(), b8.Users.Rows())
	require.Equal(t, "e", *b8.Users.Rows()[0].Level)
}

func TestEngine_PhaseOrderEnforced(t *testing.T) {
	b := NewBatch()
	err := (&Engine{}).ExtractLogs(context.Background(), b, nil, &ExtractStats{Duplicates: map[string]int{}})
	require.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
