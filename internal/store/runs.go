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

const runColumns = `id, workflow_type, trigger_type, trigger_ref, property_id, status, meta, summary, error, created_at, started_at, completed_at, updated_at`

// --- Runs ---

func (s *SQLStore) CreateRun(ctx context.Context, run *Run) (bool, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	res, err := s.exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (trigger_ref) DO NOTHING`,
		run.ID, string(run.WorkflowType), string(run.TriggerType), run.TriggerRef, nullStr(run.PropertyID),
		string(run.Status), run.Meta, nullStr(run.Summary), nullStr(run.Error),
		millis(run.CreatedAt), nullMillis(run.StartedAt), nullMillis(run.CompletedAt), millis(run.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	return applied(res)
}

func (s *SQLStore) RunExists(ctx context.Context, triggerRef string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM runs WHERE trigger_ref = ?`, triggerRef).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) GetRunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: run, Steps: []*Step{}, Exceptions: []*Exception{}, ActionLogs: []*ActionLog{}}

	rows, err := s.query(ctx,
		`SELECT id, run_id, seq, name, status, detail, created_at FROM run_steps WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		st := &Step{}
		var d sql.NullString
		var created int64
		if err := rows.Scan(&st.ID, &st.RunID, &st.Seq, &st.Name, &st.Status, &d, &created); err != nil {
			rows.Close()
			return nil, err
		}
		st.Detail = rawOrNil(d)
		st.CreatedAt = fromMillis(created)
		detail.Steps = append(detail.Steps, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.query(ctx,
		`SELECT id, run_id, action_type, detail, created_at FROM run_action_logs WHERE run_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		al := &ActionLog{}
		var d sql.NullString
		var created int64
		if err := rows.Scan(&al.ID, &al.RunID, &al.ActionType, &d, &created); err != nil {
			rows.Close()
			return nil, err
		}
		al.Detail = rawOrNil(d)
		al.CreatedAt = fromMillis(created)
		detail.ActionLogs = append(detail.ActionLogs, al)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	excs, err := s.ListExceptions(ctx, ExceptionFilter{RunID: id})
	if err != nil {
		return nil, err
	}
	if excs != nil {
		detail.Exceptions = excs
	}
	return detail, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) (*RunPage, error) {
	page := &RunPage{Runs: []*RunSummary{}, Limit: filter.Limit, Offset: filter.Offset}
	if filter.Scoped && len(filter.PropertyIDs) == 0 {
		return page, nil
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		where = append(where, "r.workflow_type = ?")
		args = append(args, string(filter.WorkflowType))
	}
	if filter.PropertyID != "" {
		where = append(where, "r.property_id = ?")
		args = append(args, filter.PropertyID)
	}
	if filter.Scoped {
		where = append(where, "r.property_id IN ("+placeholders(len(filter.PropertyIDs))+")")
		for _, p := range filter.PropertyIDs {
			args = append(args, p)
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM runs r`+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	query := `SELECT r.id, r.workflow_type, r.trigger_type, r.trigger_ref, r.property_id, r.status, r.meta, r.summary, r.error,
		r.created_at, r.started_at, r.completed_at, r.updated_at,
		(SELECT COUNT(*) FROM run_steps s WHERE s.run_id = r.id),
		(SELECT COUNT(*) FROM agent_exceptions e WHERE e.run_id = r.id),
		(SELECT COUNT(*) FROM run_action_logs a WHERE a.run_id = r.id)
		FROM runs r` + clause + ` ORDER BY r.created_at DESC, r.id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		sum := &RunSummary{}
		r, err := scanRun(rows, &sum.StepCount, &sum.ExceptionCount, &sum.ActionLogCount)
		if err != nil {
			return nil, err
		}
		sum.Run = r
		page.Runs = append(page.Runs, sum)
	}
	return page, rows.Err()
}

func (s *SQLStore) ListQueuedRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT `+fmt.Sprint(limit),
		string(schema.RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLStore) TransitionRun(ctx context.Context, id string, tr RunTransition) (bool, error) {
	if tr.From == "" || tr.To == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "run transition requires from and to status")
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(tr.To), time.Now().UTC().UnixMilli()}

	if tr.Meta != nil {
		sets = append(sets, "meta = ?")
		args = append(args, *tr.Meta)
	}
	if tr.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, nullStr(*tr.Summary))
	}
	if tr.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*tr.Error))
	}
	switch {
	case tr.ClearStartedAt:
		sets = append(sets, "started_at = NULL")
	case tr.StartedAt != nil:
		sets = append(sets, "started_at = ?")
		args = append(args, tr.StartedAt.UnixMilli())
	}
	switch {
	case tr.ClearCompletedAt:
		sets = append(sets, "completed_at = NULL")
	case tr.CompletedAt != nil:
		sets = append(sets, "completed_at = ?")
		args = append(args, tr.CompletedAt.UnixMilli())
	}

	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, id, string(tr.From))
	if tr.FromMeta != nil {
		query += " AND meta = ?"
		args = append(args, *tr.FromMeta)
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition run %s: %w", id, err)
	}
	return applied(res)
}

func (s *SQLStore) RunOutcomeCounts(ctx context.Context, since time.Time) (*OutcomeCounts, error) {
	rows, err := s.query(ctx,
		`SELECT status, COUNT(*) FROM runs WHERE completed_at >= ? AND status IN (?, ?, ?) GROUP BY status`,
		since.UnixMilli(),
		string(schema.RunStatusCompleted), string(schema.RunStatusFailed), string(schema.RunStatusEscalated),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &OutcomeCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch schema.RunStatus(status) {
		case schema.RunStatusCompleted:
			out.Completed = n
		case schema.RunStatusFailed:
			out.Failed = n
		case schema.RunStatusEscalated:
			out.Escalated = n
		}
	}
	return out, rows.Err()
}

// --- Run children ---

func (s *SQLStore) AppendStep(ctx context.Context, step *Step) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if step.Status == "" {
		step.Status = "completed"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append step: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM run_steps WHERE run_id = ?`), step.RunID).Scan(&seq); err != nil {
		return fmt.Errorf("next step seq: %w", err)
	}
	step.Seq = seq + 1
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO run_steps (id, run_id, seq, name, status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		step.ID, step.RunID, step.Seq, step.Name, step.Status, nullRaw(step.Detail), millis(step.CreatedAt),
	); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) AppendActionLog(ctx context.Context, log *ActionLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO run_action_logs (id, run_id, action_type, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		log.ID, log.RunID, log.ActionType, nullRaw(log.Detail), millis(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner, extra ...any) (*Run, error) {
	r := &Run{}
	var wfType, trigType, status string
	var property, summary, errMsg sql.NullString
	var created, updated int64
	var started, completed sql.NullInt64
	dest := []any{&r.ID, &wfType, &trigType, &r.TriggerRef, &property, &status, &r.Meta, &summary, &errMsg,
		&created, &started, &completed, &updated}
	dest = append(dest, extra...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	r.WorkflowType = schema.WorkflowType(wfType)
	r.TriggerType = schema.TriggerType(trigType)
	r.Status = schema.RunStatus(status)
	r.PropertyID = property.String
	r.Summary = summary.String
	r.Error = errMsg.String
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.StartedAt = millisPtr(started)
	r.CompletedAt = millisPtr(completed)
	return r, nil
}
