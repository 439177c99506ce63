package json

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/beliu/sparkify-postgres/pkg/records"
)

// collectEvents runs StreamEvents over input and returns emitted records and
// the reported parse errors.
func collectEvents(t *testing.T, input string, opts Options) ([]records.Event, []*records.ParseError, error) {
	t.Helper()
	var (
		got   []records.Event
		perrs []*records.ParseError
	)
	err := StreamEvents(context.Background(), strings.NewReader(input), opts,
		func(e records.Event) error {
			got = append(got, e)
			return nil
		},
		func(pe *records.ParseError) { perrs = append(perrs, pe) },
	)
	return got, perrs, err
}

func TestStreamEvents_LineDelimited(t *testing.T) {
	input := `{"ts":1541121934796,"userId":"8","page":"NextSong","song":"Kung Fu","length":199.5,"sessionId":139}
{"ts":1541121934797,"userId":"","page":"Home"}
`
	got, perrs, err := collectEvents(t, input, Options{File: "events.json"})
	if err != nil {
		t.Fatalf("StreamEvents() err=%v, want nil", err)
	}
	if len(perrs) != 0 {
		t.Fatalf("parse errors=%v, want none", perrs)
	}
	if len(got) != 2 {
		t.Fatalf("records.len=%d, want 2", len(got))
	}
	if ts, ok := got[0].TS.Int64(); !ok || ts != 1541121934796 {
		t.Fatalf("ts=(%d,%v), want 1541121934796", ts, ok)
	}
	if title, _ := got[0].Song.Text(); title != "Kung Fu" {
		t.Fatalf("song=%q, want Kung Fu", title)
	}
	if !got[0].IsPlay() || got[1].IsPlay() {
		t.Fatalf("IsPlay=(%v,%v), want (true,false)", got[0].IsPlay(), got[1].IsPlay())
	}
	if _, ok := got[1].UserID.Int64(); ok {
		t.Fatalf("empty userId coerced, want missing")
	}
}

func TestStreamEvents_MalformedLineSkippedAndReported(t *testing.T) {
	input := "{\"ts\":1,\"page\":\"NextSong\"}\n{not json\n[1,2]\n\n{\"ts\":2,\"page\":\"NextSong\"}"

	got, perrs, err := collectEvents(t, input, Options{File: "log.json"})
	if err != nil {
		t.Fatalf("StreamEvents() err=%v, want nil", err)
	}
	if len(got) != 2 {
		t.Fatalf("records.len=%d, want 2", len(got))
	}
	if len(perrs) != 2 {
		t.Fatalf("parse errors.len=%d, want 2", len(perrs))
	}
	if perrs[0].Line != 2 || perrs[1].Line != 3 {
		t.Fatalf("parse error lines=(%d,%d), want (2,3)", perrs[0].Line, perrs[1].Line)
	}
	if perrs[0].File != "log.json" {
		t.Fatalf("parse error file=%q, want log.json", perrs[0].File)
	}
	if !errors.Is(perrs[1], errNotObject) {
		t.Fatalf("array line err=%v, want errNotObject", perrs[1].Err)
	}
}

func TestStreamEvents_StrictReturnsParseError(t *testing.T) {
	input := "{\"ts\":1}\n{broken\n{\"ts\":2}\n"

	got, _, err := collectEvents(t, input, Options{File: "log.json", Strict: true})
	var pe *records.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err=%v, want *records.ParseError", err)
	}
	if pe.Line != 2 {
		t.Fatalf("ParseError.Line=%d, want 2", pe.Line)
	}
	if len(got) != 1 {
		t.Fatalf("records before failure=%d, want 1", len(got))
	}
}

func TestStreamSongs_SingleObjectFileWithBOMAndCRLF(t *testing.T) {
	input := "\xef\xbb\xbf{\"song_id\":\"SOA1\",\"title\":\"Kung Fu\",\"artist_id\":\"ART1\",\"artist_name\":\"Death Cab\",\"duration\":199.5,\"year\":0}\r\n"

	var got []records.Song
	err := StreamSongs(context.Background(), strings.NewReader(input), Options{},
		func(s records.Song) error {
			got = append(got, s)
			return nil
		}, nil)
	if err != nil {
		t.Fatalf("StreamSongs() err=%v, want nil", err)
	}
	if len(got) != 1 {
		t.Fatalf("records.len=%d, want 1", len(got))
	}
	if id, _ := got[0].SongID.Text(); id != "SOA1" {
		t.Fatalf("song_id=%q, want SOA1", id)
	}
	if d, ok := got[0].Duration.Float64(); !ok || d != 199.5 {
		t.Fatalf("duration=(%v,%v), want 199.5", d, ok)
	}
}

func TestStreamEvents_EmitErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := StreamEvents(context.Background(), strings.NewReader("{\"ts\":1}\n{\"ts\":2}\n"), Options{},
		func(records.Event) error {
			calls++
			return stop
		}, nil)
	if !errors.Is(err, stop) {
		t.Fatalf("err=%v, want stop", err)
	}
	if calls != 1 {
		t.Fatalf("emit calls=%d, want 1", calls)
	}
}

func TestStreamEvents_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := StreamEvents(ctx, strings.NewReader("{\"ts\":1}\n"), Options{},
		func(records.Event) error { return nil }, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestStreamSongs_Windows1252(t *testing.T) {
	// 0xE9 is "é" in windows-1252.
	input := []byte("{\"song_id\":\"S1\",\"artist_name\":\"Beyonc\xe9\"}\n")

	var name string
	err := StreamSongs(context.Background(), strings.NewReader(string(input)), Options{Encoding: "windows-1252"},
		func(s records.Song) error {
			name, _ = s.ArtistName.Text()
			return nil
		}, nil)
	if err != nil {
		t.Fatalf("StreamSongs() err=%v, want nil", err)
	}
	if name != "Beyoncé" {
		t.Fatalf("artist_name=%q, want Beyoncé", name)
	}
}

func TestStreamSongs_UnknownEncoding(t *testing.T) {
	err := StreamSongs(context.Background(), strings.NewReader(""), Options{Encoding: "no-such-charset"},
		func(records.Song) error { return nil }, nil)
	if err == nil {
		t.Fatalf("err=nil, want unsupported encoding error")
	}
}
