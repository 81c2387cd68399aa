package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"ferry/internal/config"
)

// ReadSnapshot loads all persisted records without taking ownership of the
// database. The connection is read-only, so a concurrently running session is
// undisturbed; callers get a point-in-time view that may trail the in-memory
// state by one flush interval.
func ReadSnapshot(ctx context.Context, cfg *config.Config) ([]Record, error) {
	dbPath := filepath.Join(cfg.Paths.StateDir, "tasks.db")
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db read-only: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].LocalID < records[j].LocalID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}
