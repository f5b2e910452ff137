package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// OpenPostgres opens and pings a PostgreSQL connection and returns the
// repository bundle bound to it.
func OpenPostgres(databaseURL string) (*Repository, *sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return NewPostgres(db), db, nil
}

// NewPostgres returns a Repository backed by the given database handle.
func NewPostgres(db *sql.DB) *Repository {
	return &Repository{
		Users:    &pgUsers{db: db},
		Sessions: &pgSessions{db: db},
		Messages: &pgMessages{db: db},
	}
}
