package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const scheduleColumns = `id, node_id, academic_year, cron_expression, endpoints_mb, endpoints_nex,
	include_descendants, is_active, created_at, updated_at`

// ScheduleFilter narrows ListSchedules
type ScheduleFilter struct {
	Active *bool
}

// CreateSchedule inserts a schedule, assigning an id when none is set
func (db *DB) CreateSchedule(ctx context.Context, s *SyncSchedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := db.now()
	s.CreatedAt = now
	s.UpdatedAt = now

	mb, nex, err := encodeEndpoints(s.EndpointsMB, s.EndpointsNex)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.exec(ctx, db.DB, query,
		s.ID,
		s.NodeID,
		s.AcademicYear,
		s.CronExpression,
		mb,
		nex,
		s.IncludeDescendants,
		s.IsActive,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if IsDuplicate(err) {
			return errors.Wrapf(ErrDuplicate, "schedule %s", s.ID)
		}
		return errors.Wrap(err, "insert schedule")
	}
	return nil
}

// GetSchedule retrieves a schedule by ID
func (db *DB) GetSchedule(ctx context.Context, id string) (*SyncSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules WHERE id = ?`

	s, err := scanSchedule(db.queryRow(ctx, db.DB, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get schedule")
	}
	return s, nil
}

// ListSchedules returns schedules ordered by creation time
func (db *DB) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]SyncSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules`
	var args []any
	if filter.Active != nil {
		query += ` WHERE is_active = ?`
		args = append(args, *filter.Active)
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.query(ctx, db.DB, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer rows.Close()

	schedules := []SyncSchedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		schedules = append(schedules, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return schedules, nil
}

// ListActiveSchedules returns the schedules the cron scheduler evaluates
func (db *DB) ListActiveSchedules(ctx context.Context) ([]SyncSchedule, error) {
	active := true
	return db.ListSchedules(ctx, ScheduleFilter{Active: &active})
}

// UpdateSchedule overwrites every mutable field of an existing schedule
func (db *DB) UpdateSchedule(ctx context.Context, s *SyncSchedule) error {
	s.UpdatedAt = db.now()

	mb, nex, err := encodeEndpoints(s.EndpointsMB, s.EndpointsNex)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_schedules
		SET node_id = ?, academic_year = ?, cron_expression = ?, endpoints_mb = ?, endpoints_nex = ?,
			include_descendants = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := db.exec(ctx, db.DB, query,
		s.NodeID,
		s.AcademicYear,
		s.CronExpression,
		mb,
		nex,
		s.IncludeDescendants,
		s.IsActive,
		s.UpdatedAt,
		s.ID,
	)
	return expectOne(res, errors.Wrap(err, "update schedule"), errors.Wrapf(ErrNotFound, "schedule %s", s.ID))
}

// DeleteSchedule removes a schedule. Runs it created are kept.
func (db *DB) DeleteSchedule(ctx context.Context, id string) error {
	res, err := db.exec(ctx, db.DB, `DELETE FROM sync_schedules WHERE id = ?`, id)
	return expectOne(res, errors.Wrap(err, "delete schedule"), errors.Wrapf(ErrNotFound, "schedule %s", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*SyncSchedule, error) {
	var (
		s       SyncSchedule
		mb, nex string
	)
	err := row.Scan(
		&s.ID,
		&s.NodeID,
		&s.AcademicYear,
		&s.CronExpression,
		&mb,
		&nex,
		&s.IncludeDescendants,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.EndpointsMB, err = decodeEndpoints(mb); err != nil {
		return nil, err
	}
	if s.EndpointsNex, err = decodeEndpoints(nex); err != nil {
		return nil, err
	}
	return &s, nil
}

// Endpoint subsets are persisted as JSON string arrays
func encodeEndpoints(mb, nex []string) (string, string, error) {
	encMB, err := encodeList(mb)
	if err != nil {
		return "", "", err
	}
	encNex, err := encodeList(nex)
	if err != nil {
		return "", "", err
	}
	return encMB, encNex, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", errors.Wrap(err, "encode endpoints")
	}
	return string(b), nil
}

func decodeEndpoints(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.Wrap(err, "decode endpoints")
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}
