package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ferry/internal/logging"
	"ferry/internal/task"
)

// applySourceAction handles the original file after a successful download.
// Failures here never fail the task; the converted result is already safe.
func (e *Engine) applySourceAction(rec task.Record) {
	switch rec.SourceAction {
	case task.SourceDelete:
		if err := os.Remove(rec.SourcePath); err != nil {
			e.logger.Warn("delete source file failed",
				logging.String(logging.FieldTaskID, rec.LocalID),
				logging.String("source", rec.SourcePath),
				logging.Error(err),
			)
			return
		}
		e.logger.Info("source file deleted",
			logging.String(logging.FieldTaskID, rec.LocalID),
			logging.String("source", rec.SourcePath),
		)
	case task.SourceArchive:
		archivePath, err := e.archiveSource(rec)
		if err != nil {
			e.logger.Warn("archive source file failed",
				logging.String(logging.FieldTaskID, rec.LocalID),
				logging.String("source", rec.SourcePath),
				logging.Error(err),
			)
			return
		}
		if _, err := e.store.SetArchivePath(rec.LocalID, archivePath); err != nil {
			e.logger.Warn("record archive path failed",
				logging.String(logging.FieldTaskID, rec.LocalID),
				logging.Error(err),
			)
		}
		e.logger.Info("source file archived",
			logging.String(logging.FieldTaskID, rec.LocalID),
			logging.String("archive", archivePath),
		)
	}
}

func (e *Engine) archiveSource(rec task.Record) (string, error) {
	dir := e.cfg.Paths.ArchiveDir
	if dir == "" {
		return "", fmt.Errorf("archive directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}
	base := filepath.Base(rec.SourcePath)
	ext := filepath.Ext(base)
	dest := uniquePath(dir, base[:len(base)-len(ext)], ext)

	if err := os.Rename(rec.SourcePath, dest); err == nil {
		return dest, nil
	}
	// Rename fails across filesystems; fall back to copy-then-remove.
	if err := copyFile(rec.SourcePath, dest); err != nil {
		return "", err
	}
	if err := os.Remove(rec.SourcePath); err != nil {
		return dest, fmt.Errorf("remove source after copy: %w", err)
	}
	return dest, nil
}

func copyFile(sourcePath, destPath string) error {
	in, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(destPath)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// uniquePath joins dir, stem, and ext, suffixing a counter when the file
// already exists.
func uniquePath(dir, stem, ext string) string {
	candidate := filepath.Join(dir, stem+ext)
	for n := 2; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}
