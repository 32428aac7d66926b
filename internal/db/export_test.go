package db

import "context"

// SetRunStatusForTest forces a run's status, bypassing transition checks.
func (db *DB) SetRunStatusForTest(ctx context.Context, id int64, status RunStatus) error {
	_, err := db.exec(ctx, db.DB, `UPDATE sync_runs SET status = ? WHERE id = ?`, status, id)
	return err
}
