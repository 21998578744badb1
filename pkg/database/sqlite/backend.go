package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	gomigratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // initialises sqlite3
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
)

//go:embed migrations/*.sql
var fs embed.FS

type Backend struct {
	db *sql.DB
}

func NewSQLiteBackend(connectionString string) (*Backend, error) {
	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return &Backend{}, err
	}
	// One connection keeps writers from tripping over SQLITE_BUSY and makes :memory: databases
	// behave as a single database.
	db.SetMaxOpenConns(1)

	backend := Backend{
		db: db,
	}

	if err = backend.Migrate(); err != nil {
		_ = db.Close()
		return &Backend{}, err
	}

	return &backend, nil
}

func (b *Backend) Type() string { return "sqlite" }

func (b *Backend) Migrate() error {
	driver, err := gomigratesqlite.WithInstance(b.db, &gomigratesqlite.Config{})
	if err != nil {
		return err
	}

	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", d, "sqlite3", driver)
	if err != nil {
		return err
	}

	log.Info().Msg("Starting database migrations")
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Info().Msg("Finished database migrations")

	return nil
}

func (b *Backend) Load(key string) (s.Metadata, error) {
	meta := s.NewMetadata("")
	var updated string

	err := b.db.QueryRow(GetResource, key).Scan(&meta.URL, &meta.Length, &meta.ContentType, &updated)
	if err == sql.ErrNoRows {
		return s.Metadata{}, e.ErrNotFound
	} else if err != nil {
		return s.Metadata{}, err
	}

	if meta.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Unparseable updated_date on resource")
	}

	rows, err := b.db.Query(GetRanges, key)
	if err != nil {
		return s.Metadata{}, err
	}
	defer rows.Close()

	for rows.Next() {
		r := s.Range{}
		if err2 := rows.Scan(&r.Start, &r.End); err2 != nil {
			return s.Metadata{}, err2
		}
		meta.Ranges = append(meta.Ranges, r)
	}
	if err = rows.Err(); err != nil {
		return s.Metadata{}, err
	}

	return meta, nil
}

func (b *Backend) Save(key string, meta s.Metadata) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}

	updated := meta.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	if _, err = tx.Exec(UpsertResource, key, meta.URL, meta.Length, meta.ContentType, updated.UTC().Format(time.RFC3339Nano)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err = tx.Exec(DeleteRanges, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, r := range meta.Ranges {
		if _, err = tx.Exec(InsertRange, key, r.Start, r.End); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (b *Backend) Delete(key string) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	if _, err = tx.Exec(DeleteRanges, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	result, err := tx.Exec(DeleteResource, key)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rowsAffected, _ := result.RowsAffected()
	log.Debug().Int64("rows", rowsAffected).Str("key", key).Msg("Deleted resource metadata")

	return tx.Commit()
}

func (b *Backend) Close() error { return b.db.Close() }
