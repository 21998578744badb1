package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	gomigratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // initialises postgres
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
)

//go:embed migrations/*.sql
var fs embed.FS

// Backend lets several cache hosts share one metadata store. Byte storage stays local, so
// each host should point at its own schema or database.
type Backend struct {
	db *sql.DB
}

func NewPostgresBackend(connectionString string) (*Backend, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return &Backend{}, err
	}

	backend := Backend{
		db: db,
	}

	if err = backend.Migrate(); err != nil {
		_ = db.Close()
		return &Backend{}, err
	}

	return &backend, nil
}

func (b *Backend) Type() string { return "postgres" }

func (b *Backend) Migrate() error {
	driver, err := gomigratepostgres.WithInstance(b.db, &gomigratepostgres.Config{})
	if err != nil {
		return err
	}

	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", d, "postgres", driver)
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

	err := b.db.QueryRow(GetResource, key).Scan(&meta.URL, &meta.Length, &meta.ContentType, &meta.UpdatedAt)
	if err == sql.ErrNoRows {
		return s.Metadata{}, e.ErrNotFound
	} else if err != nil {
		return s.Metadata{}, err
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

	if _, err = tx.Exec(UpsertResource, key, meta.URL, meta.Length, meta.ContentType, updated.UTC()); err != nil {
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

// Delete relies on the cascading foreign key to drop the ranges.
func (b *Backend) Delete(key string) error {
	result, err := b.db.Exec(DeleteResource, key)
	if err != nil {
		return err
	}
	rowsAffected, _ := result.RowsAffected()
	log.Debug().Int64("rows", rowsAffected).Str("key", key).Msg("Deleted resource metadata")
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }
