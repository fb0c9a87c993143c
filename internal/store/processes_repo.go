package store

import (
	"context"
	"encoding/json"
	"fmt"

	"edgelamp/internal/core"
)

// SaveProcess inserts or replaces a scheduled process definition.
func (s *Store) SaveProcess(ctx context.Context, p core.ScheduledProcess) error {
	script, err := json.Marshal(p.Script)
	if err != nil {
		return fmt.Errorf("encode script: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO scheduled_processes (name, script) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET script = excluded.script
	`, p.Name, string(script))
	if err != nil {
		return fmt.Errorf("save process: %w", err)
	}
	return nil
}

func (s *Store) ListProcesses(ctx context.Context) ([]core.ScheduledProcess, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name, script FROM scheduled_processes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()
	var out []core.ScheduledProcess
	for rows.Next() {
		var (
			p      core.ScheduledProcess
			script string
		)
		if err := rows.Scan(&p.Name, &script); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		if err := json.Unmarshal([]byte(script), &p.Script); err != nil {
			return nil, fmt.Errorf("decode script of %s: %w", p.Name, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
