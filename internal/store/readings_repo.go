package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"edgelamp/internal/ingest"
)

// InsertReadings stores the batch in one transaction. Readings whose key is
// already present are skipped.
func (s *Store) InsertReadings(ctx context.Context, readings []ingest.Reading) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin readings tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (asset_code, read_key, user_ts, reading, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(read_key) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare reading insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	inserted := 0
	for _, r := range readings {
		payload, err := json.Marshal(r.Values)
		if err != nil {
			return 0, fmt.Errorf("encode reading for %s: %w", r.Asset, err)
		}
		res, err := stmt.ExecContext(ctx, r.Asset, nullableString(r.Key), formatTime(r.Timestamp), string(payload), now)
		if err != nil {
			return 0, fmt.Errorf("insert reading: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit readings: %w", err)
	}
	return inserted, nil
}

// QueryReadings returns the newest readings of an asset.
func (s *Store) QueryReadings(ctx context.Context, asset string, limit int) ([]ingest.Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT asset_code, COALESCE(read_key, ''), user_ts, reading
		FROM readings
		WHERE asset_code = ?
		ORDER BY user_ts DESC, id DESC
		LIMIT ?
	`, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()
	var out []ingest.Reading
	for rows.Next() {
		var (
			r       ingest.Reading
			ts      string
			payload string
		)
		if err := rows.Scan(&r.Asset, &r.Key, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Values); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddStatistics adds each delta to its counter, creating missing counters.
func (s *Store) AddStatistics(ctx context.Context, deltas map[string]int64) error {
	now := formatTime(time.Now())
	for key, delta := range deltas {
		if delta == 0 {
			continue
		}
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO statistics (key, description, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at
		`, key, key, delta, now)
		if err != nil {
			return fmt.Errorf("add statistic %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) ListStatistics(ctx context.Context) ([]ingest.Statistic, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, description, value, updated_at FROM statistics ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()
	var out []ingest.Statistic
	for rows.Next() {
		var (
			st        ingest.Statistic
			updatedAt string
		)
		if err := rows.Scan(&st.Key, &st.Description, &st.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
