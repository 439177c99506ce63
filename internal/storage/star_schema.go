package storage

import "github.com/beliu/sparkify-postgres/internal/schema"

func notNull() *bool {
	f := false
	return &f
}

// StarSchema returns the five Sparkify tables in load order: users first, then
// the append-only dimensions, then the songplays fact table.
//
// Column order matches the Values() order of the schema row types.
func StarSchema(autoCreate bool) []TableSpec {
	appendKey := func(cols ...string) LoadSpec {
		return LoadSpec{
			Strategy: StrategyAppend,
			Conflict: &ConflictSpec{TargetColumns: cols, Action: "do_nothing"},
		}
	}

	return []TableSpec{
		{
			Name:            schema.TableUsers,
			AutoCreateTable: autoCreate,
			PrimaryKey:      &PrimaryKeySpec{Columns: []string{"user_id"}},
			Columns: []ColumnSpec{
				{Name: "user_id", Type: TypeBigInt, Nullable: notNull()},
				{Name: "first_name", Type: TypeText},
				{Name: "last_name", Type: TypeText},
				{Name: "gender", Type: TypeText},
				{Name: "level", Type: TypeText},
			},
			Load: LoadSpec{
				Strategy: StrategyUpsert,
				Conflict: &ConflictSpec{TargetColumns: []string{"user_id"}, Action: "update"},
			},
		},
		{
			Name:            schema.TableSongs,
			AutoCreateTable: autoCreate,
			PrimaryKey:      &PrimaryKeySpec{Columns: []string{"song_id"}},
			Columns: []ColumnSpec{
				{Name: "song_id", Type: TypeText, Nullable: notNull()},
				{Name: "title", Type: TypeText},
				{Name: "artist_id", Type: TypeText},
				{Name: "year", Type: TypeInt},
				{Name: "duration", Type: TypeDouble},
			},
			Load: appendKey("song_id"),
		},
		{
			Name:            schema.TableArtists,
			AutoCreateTable: autoCreate,
			PrimaryKey:      &PrimaryKeySpec{Columns: []string{"artist_id"}},
			Columns: []ColumnSpec{
				{Name: "artist_id", Type: TypeText, Nullable: notNull()},
				{Name: "name", Type: TypeText},
				{Name: "location", Type: TypeText},
				{Name: "latitude", Type: TypeDouble},
				{Name: "longitude", Type: TypeDouble},
			},
			Load: appendKey("artist_id"),
		},
		{
			Name:            schema.TableTime,
			AutoCreateTable: autoCreate,
			PrimaryKey:      &PrimaryKeySpec{Columns: []string{"start_time"}},
			Columns: []ColumnSpec{
				{Name: "start_time", Type: TypeTimestamp, Nullable: notNull()},
				{Name: "hour", Type: TypeInt},
				{Name: "day", Type: TypeInt},
				{Name: "week", Type: TypeInt},
				{Name: "month", Type: TypeInt},
				{Name: "year", Type: TypeInt},
				{Name: "weekday", Type: TypeInt},
			},
			Load: appendKey("start_time"),
		},
		{
			Name:            schema.TableSongPlays,
			AutoCreateTable: autoCreate,
			PrimaryKey:      &PrimaryKeySpec{Columns: []string{"songplay_id"}},
			Columns: []ColumnSpec{
				{Name: "songplay_id", Type: TypeText, Nullable: notNull()},
				{Name: "start_time", Type: TypeTimestamp, Nullable: notNull()},
				{Name: "user_id", Type: TypeBigInt, Nullable: notNull()},
				{Name: "level", Type: TypeText},
				{Name: "song_id", Type: TypeText},
				{Name: "artist_id", Type: TypeText},
				{Name: "session_id", Type: TypeBigInt},
				{Name: "location", Type: TypeText},
				{Name: "user_agent", Type: TypeText},
			},
			Load: appendKey("songplay_id"),
		},
	}
}

// FindTable returns the table named name.
func FindTable(tables []TableSpec, name string) (TableSpec, bool) {
	for _, t := range tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}
