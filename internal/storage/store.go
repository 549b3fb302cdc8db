package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"t3shield/internal/cache"
	"t3shield/internal/config"
	"t3shield/internal/model"
)

// Store persists the refresh audit trail and per-entity count snapshots so
// counts can be compared across restarts.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveRefresh(ctx context.Context, rec cache.Refresh) error
	SaveSnapshot(ctx context.Context, refreshID string, entities []model.GeoEntity) error
	ListRefreshes(ctx context.Context, limit int) ([]cache.Refresh, error)
	LatestSnapshot(ctx context.Context) (string, map[string]model.Counts, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// dialect covers what differs between drivers: placeholders, schema and how
// timestamps are bound.
type dialect struct {
	schema      []string
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.d.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the driver.
func (b *baseStore) rebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(b.d.placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return b.d.timeArg(t.UTC())
}

func (b *baseStore) SaveRefresh(ctx context.Context, rec cache.Refresh) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO refreshes (id, kind, token, started_at, finished_at, window_start, window_end, fetched, accepted, rejected, applied, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Kind,
		int64(rec.Token),
		b.nullTime(rec.StartedAt),
		b.nullTime(rec.FinishedAt),
		b.nullTime(rec.Window.Start),
		b.nullTime(rec.Window.End),
		rec.Fetched,
		rec.Accepted,
		rec.Rejected,
		rec.Applied,
		rec.Error,
	)
	return err
}

func (b *baseStore) SaveSnapshot(ctx context.Context, refreshID string, entities []model.GeoEntity) error {
	if b.db == nil || refreshID == "" || len(entities) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO entity_counts (refresh_id, entity_id, kind, name, parent_id, general, mobility, verified, denied, total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, e := range entities {
		if _, err := stmt.ExecContext(ctx,
			refreshID,
			e.ID,
			string(e.Kind),
			e.Name,
			e.ParentID,
			e.Counts.General,
			e.Counts.Mobility,
			e.Counts.Verified,
			e.Counts.Denied,
			e.Counts.Total,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListRefreshes returns up to limit refreshes, newest first.
func (b *baseStore) ListRefreshes(ctx context.Context, limit int) ([]cache.Refresh, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT id, kind, token, started_at, finished_at, window_start, window_end, fetched, accepted, rejected, applied, error
		FROM refreshes ORDER BY seq DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cache.Refresh
	for rows.Next() {
		var (
			rec                                 cache.Refresh
			token                               int64
			started, finished, winStart, winEnd sql.NullString
			errText                             sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &token, &started, &finished, &winStart, &winEnd,
			&rec.Fetched, &rec.Accepted, &rec.Rejected, &rec.Applied, &errText); err != nil {
			return nil, err
		}
		rec.Token = uint64(token)
		rec.Error = errText.String
		for _, f := range []struct {
			src sql.NullString
			dst *time.Time
		}{{started, &rec.StartedAt}, {finished, &rec.FinishedAt}, {winStart, &rec.Window.Start}, {winEnd, &rec.Window.End}} {
			if *f.dst, err = parseTime(f.src); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the counts saved for the newest snapshotted
// refresh, keyed by entity id.
func (b *baseStore) LatestSnapshot(ctx context.Context) (string, map[string]model.Counts, error) {
	if b.db == nil {
		return "", nil, nil
	}
	var refreshID string
	err := b.db.QueryRowContext(ctx,
		`SELECT r.id FROM refreshes r
		WHERE EXISTS (SELECT 1 FROM entity_counts c WHERE c.refresh_id = r.id)
		ORDER BY r.seq DESC LIMIT 1`).Scan(&refreshID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT entity_id, general, mobility, verified, denied, total FROM entity_counts WHERE refresh_id = ?`), refreshID)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()
	out := make(map[string]model.Counts)
	for rows.Next() {
		var id string
		var c model.Counts
		if err := rows.Scan(&id, &c.General, &c.Mobility, &c.Verified, &c.Denied, &c.Total); err != nil {
			return "", nil, err
		}
		out[id] = c
	}
	return refreshID, out, rows.Err()
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v.String, err)
	}
	return t, nil
}
