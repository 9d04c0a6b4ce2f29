package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const scheduleColumns = `id, workflow_type, property_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at`

// --- Schedules ---

func (s *SQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalMapOrNil(sch.Payload)
	if err != nil {
		return fmt.Errorf("marshal schedule payload: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, string(sch.WorkflowType), nullStr(sch.PropertyID), sch.CronExpression, payload, boolInt(sch.Enabled),
		nullMillis(sch.LastRunAt), nullMillis(sch.NextRunAt), nullStr(sch.LastRunStatus), millis(sch.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sch, err := scanSchedule(s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *SQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, update.LastRunAt.UnixMilli())
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, update.NextRunAt.UnixMilli())
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.exec(ctx, "UPDATE schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *SQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc scanner) (*Schedule, error) {
	sch := &Schedule{}
	var wfType string
	var propertyID, payload, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var created int64
	if err := sc.Scan(&sch.ID, &wfType, &propertyID, &sch.CronExpression, &payload, &enabled,
		&lastRun, &nextRun, &lastStatus, &created); err != nil {
		return nil, err
	}
	m, err := unmarshalMap(payload)
	if err != nil {
		return nil, fmt.Errorf("unmarshal schedule payload: %w", err)
	}
	sch.WorkflowType = schema.WorkflowType(wfType)
	sch.PropertyID = propertyID.String
	sch.Payload = m
	sch.Enabled = enabled != 0
	sch.LastRunAt = millisPtr(lastRun)
	sch.NextRunAt = millisPtr(nextRun)
	sch.LastRunStatus = lastStatus.String
	sch.CreatedAt = fromMillis(created)
	return sch, nil
}
