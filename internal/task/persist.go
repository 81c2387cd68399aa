package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ferry/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    local_id              TEXT PRIMARY KEY,
    server_id             TEXT,
    source_path           TEXT NOT NULL,
    display_name          TEXT,
    size_bytes            INTEGER NOT NULL DEFAULT 0,
    duration_seconds      REAL NOT NULL DEFAULT 0,
    width                 INTEGER NOT NULL DEFAULT 0,
    height                INTEGER NOT NULL DEFAULT 0,
    codec_name            TEXT,
    thumbnail_path        TEXT,
    params_json           TEXT,
    estimated_bytes       INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL,
    progress              INTEGER NOT NULL DEFAULT 0,
    phase                 TEXT,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL,
    upload_started_at     TEXT,
    upload_completed_at   TEXT,
    conversion_started_at TEXT,
    completed_at          TEXT,
    retry_count           INTEGER NOT NULL DEFAULT 0,
    max_retries           INTEGER NOT NULL DEFAULT 0,
    last_error            TEXT,
    last_retry_at         TEXT,
    download_url          TEXT,
    output_path           TEXT,
    downloaded            INTEGER NOT NULL DEFAULT 0,
    source_action         TEXT,
    archive_path          TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_server_id ON tasks(server_id) WHERE server_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const taskColumns = `local_id, server_id, source_path, display_name, size_bytes,
    duration_seconds, width, height, codec_name, thumbnail_path, params_json,
    estimated_bytes, status, progress, phase, created_at, updated_at,
    upload_started_at, upload_completed_at, conversion_started_at, completed_at,
    retry_count, max_retries, last_error, last_retry_at,
    download_url, output_path, downloaded, source_action, archive_path`

func (s *Store) upsert(ctx context.Context, rec Record) error {
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(local_id) DO UPDATE SET
            server_id = excluded.server_id,
            source_path = excluded.source_path,
            display_name = excluded.display_name,
            size_bytes = excluded.size_bytes,
            duration_seconds = excluded.duration_seconds,
            width = excluded.width,
            height = excluded.height,
            codec_name = excluded.codec_name,
            thumbnail_path = excluded.thumbnail_path,
            params_json = excluded.params_json,
            estimated_bytes = excluded.estimated_bytes,
            status = excluded.status,
            progress = excluded.progress,
            phase = excluded.phase,
            updated_at = excluded.updated_at,
            upload_started_at = excluded.upload_started_at,
            upload_completed_at = excluded.upload_completed_at,
            conversion_started_at = excluded.conversion_started_at,
            completed_at = excluded.completed_at,
            retry_count = excluded.retry_count,
            max_retries = excluded.max_retries,
            last_error = excluded.last_error,
            last_retry_at = excluded.last_retry_at,
            download_url = excluded.download_url,
            output_path = excluded.output_path,
            downloaded = excluded.downloaded,
            source_action = excluded.source_action,
            archive_path = excluded.archive_path`,
		rec.LocalID,
		nullableString(rec.ServerID),
		rec.SourcePath,
		nullableString(rec.DisplayName),
		rec.SizeBytes,
		rec.DurationSeconds,
		rec.Width,
		rec.Height,
		nullableString(rec.CodecName),
		nullableString(rec.ThumbnailPath),
		string(paramsJSON),
		rec.EstimatedOutputBytes,
		string(rec.Status),
		rec.Progress,
		nullableString(string(rec.Phase)),
		rec.CreatedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(rec.UploadStartedAt),
		nullableTime(rec.UploadCompletedAt),
		nullableTime(rec.ConversionStartedAt),
		nullableTime(rec.CompletedAt),
		rec.RetryCount,
		rec.MaxRetries,
		nullableString(rec.LastError),
		nullableTime(rec.LastRetryAt),
		nullableString(rec.DownloadURL),
		nullableString(rec.OutputPath),
		boolToInt(rec.Downloaded),
		nullableString(string(rec.SourceAction)),
		nullableString(rec.ArchivePath),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, localID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) loadAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		localID         string
		serverID        sql.NullString
		sourcePath      string
		displayName     sql.NullString
		sizeBytes       int64
		durationSeconds float64
		width           int
		height          int
		codecName       sql.NullString
		thumbnailPath   sql.NullString
		paramsJSON      sql.NullString
		estimatedBytes  int64
		statusStr       string
		progress        int
		phase           sql.NullString
		createdRaw      string
		updatedRaw      string
		uploadStarted   sql.NullString
		uploadCompleted sql.NullString
		convStarted     sql.NullString
		completed       sql.NullString
		retryCount      int
		maxRetries      int
		lastError       sql.NullString
		lastRetry       sql.NullString
		downloadURL     sql.NullString
		outputPath      sql.NullString
		downloaded      int
		sourceAction    sql.NullString
		archivePath     sql.NullString
	)

	if err := scanner.Scan(
		&localID,
		&serverID,
		&sourcePath,
		&displayName,
		&sizeBytes,
		&durationSeconds,
		&width,
		&height,
		&codecName,
		&thumbnailPath,
		&paramsJSON,
		&estimatedBytes,
		&statusStr,
		&progress,
		&phase,
		&createdRaw,
		&updatedRaw,
		&uploadStarted,
		&uploadCompleted,
		&convStarted,
		&completed,
		&retryCount,
		&maxRetries,
		&lastError,
		&lastRetry,
		&downloadURL,
		&outputPath,
		&downloaded,
		&sourceAction,
		&archivePath,
	); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	rec := &Record{
		LocalID:              localID,
		ServerID:             serverID.String,
		SourcePath:           sourcePath,
		DisplayName:          displayName.String,
		SizeBytes:            sizeBytes,
		DurationSeconds:      durationSeconds,
		Width:                width,
		Height:               height,
		CodecName:            codecName.String,
		ThumbnailPath:        thumbnailPath.String,
		EstimatedOutputBytes: estimatedBytes,
		Status:               Status(statusStr),
		Progress:             progress,
		Phase:                Phase(phase.String),
		RetryCount:           retryCount,
		MaxRetries:           maxRetries,
		LastError:            lastError.String,
		DownloadURL:          downloadURL.String,
		OutputPath:           outputPath.String,
		Downloaded:           downloaded != 0,
		SourceAction:         SourceAction(sourceAction.String),
		ArchivePath:          archivePath.String,
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		var params config.Conversion
		if err := json.Unmarshal([]byte(paramsJSON.String), &params); err == nil {
			rec.Params = params
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		rec.UpdatedAt = updated
	}
	rec.UploadStartedAt = parseNullableTime(uploadStarted)
	rec.UploadCompletedAt = parseNullableTime(uploadCompleted)
	rec.ConversionStartedAt = parseNullableTime(convStarted)
	rec.CompletedAt = parseNullableTime(completed)
	rec.LastRetryAt = parseNullableTime(lastRetry)
	return rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
