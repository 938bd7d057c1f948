package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetImportedFileHash returns the content hash recorded for a file imported
// into an exam, or "" if the file was never imported.
func (c conn) GetImportedFileHash(ctx context.Context, examID int64, name string) (string, error) {
	var hash string
	err := c.q.QueryRowContext(ctx,
		`SELECT hash FROM imported_files WHERE exam_id = $1 AND name = $2`, examID, name,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash of an imported file.
func (c conn) SetImportedFileHash(ctx context.Context, examID int64, name, hash string) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO imported_files (exam_id, name, hash, imported_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, name) DO UPDATE SET hash = excluded.hash, imported_at = excluded.imported_at`,
		examID, name, hash, time.Now().UTC(),
	)
	return err
}
