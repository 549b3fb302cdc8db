package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:t3shield.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, d: dialect{
		schema:      sqliteSchema,
		placeholder: func(int) string { return "?" },
		timeArg:     func(t time.Time) any { return t.Format(time.RFC3339Nano) },
	}}}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS refreshes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		token INTEGER NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		window_start TEXT,
		window_end TEXT,
		fetched INTEGER NOT NULL,
		accepted INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		applied INTEGER NOT NULL,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refreshes_started ON refreshes(started_at)`,
	`CREATE TABLE IF NOT EXISTS entity_counts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		refresh_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_id TEXT,
		general INTEGER NOT NULL,
		mobility INTEGER NOT NULL,
		verified INTEGER NOT NULL,
		denied INTEGER NOT NULL,
		total INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_counts_refresh ON entity_counts(refresh_id)`,
}
