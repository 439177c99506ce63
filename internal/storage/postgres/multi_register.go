package postgres

import "github.com/beliu/sparkify-postgres/internal/storage"

func init() {
	// registers the star-schema backend factory
	storage.Register("postgres", NewMulti)
}
