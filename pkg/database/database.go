package database

import (
	"errors"

	"github.com/terrycain/media-cache-server/pkg/database/jsonfile"
	"github.com/terrycain/media-cache-server/pkg/database/postgres"
	"github.com/terrycain/media-cache-server/pkg/database/sqlite"
	"github.com/terrycain/media-cache-server/pkg/s"
)

// Backend persists the metadata record (length, content type, merged ranges) of each cached
// resource, keyed by its identity. Load returns e.ErrNotFound for unknown keys and wraps
// e.ErrCorruptCache when a record exists but cannot be decoded.
type Backend interface {
	Type() string
	Load(key string) (s.Metadata, error)
	Save(key string, meta s.Metadata) error
	Delete(key string) error
	Close() error
}

func GetBackend(backend, connectionString string) (Backend, error) {
	switch backend {
	case "json":
		return jsonfile.New(connectionString)
	case "sqlite":
		return sqlite.NewSQLiteBackend(connectionString)
	case "postgres":
		return postgres.NewPostgresBackend(connectionString)
	default:
		return nil, errors.New("invalid metadata backend")
	}
}
