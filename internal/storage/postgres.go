package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/t3shield?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, d: dialect{
		schema:      postgresSchema,
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		timeArg:     func(t time.Time) any { return t },
	}}}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS refreshes (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		token BIGINT NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		window_start TIMESTAMPTZ,
		window_end TIMESTAMPTZ,
		fetched INTEGER NOT NULL,
		accepted INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		applied BOOLEAN NOT NULL,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refreshes_started ON refreshes(started_at)`,
	`CREATE TABLE IF NOT EXISTS entity_counts (
		id BIGSERIAL PRIMARY KEY,
		refresh_id TEXT NOT NULL REFERENCES refreshes(id),
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
