package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const actionColumns = `id, run_id, manager_id, property_id, action_type, payload, status, responded_at, executed_at, result, created_at`

// --- Actions ---

func (s *SQLStore) CreateAction(ctx context.Context, action *Action) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	if action.Status == "" {
		action.Status = schema.ActionPendingApproval
	}
	_, err := s.exec(ctx,
		`INSERT INTO agent_actions (`+actionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		action.ID, nullStr(action.RunID), action.ManagerID, nullStr(action.PropertyID), action.ActionType,
		nullRaw(action.Payload), string(action.Status), nullMillis(action.ExecutedAt), nullRaw(action.Result),
		millis(action.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAction(ctx context.Context, id string) (*Action, error) {
	a, err := scanAction(s.queryRow(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("action", id)
	}
	return a, err
}

func (s *SQLStore) ListActions(ctx context.Context, filter ActionFilter) ([]*Action, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ManagerID != "" {
		where = append(where, "manager_id = ?")
		args = append(args, filter.ManagerID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	query := `SELECT ` + actionColumns + ` FROM agent_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ClaimAction(ctx context.Context, id, managerID string, claim, staleBefore int64) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE agent_actions SET responded_at = ?
		 WHERE id = ? AND status = ? AND manager_id = ? AND (responded_at IS NULL OR responded_at < ?)`,
		claim, id, string(schema.ActionPendingApproval), managerID, staleBefore,
	)
	if err != nil {
		return false, fmt.Errorf("claim action %s: %w", id, err)
	}
	return applied(res)
}

func (s *SQLStore) FinalizeAction(ctx context.Context, id string, claim int64, status schema.ActionStatus, result json.RawMessage, executedAt time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE agent_actions SET status = ?, result = ?, executed_at = ?
		 WHERE id = ? AND status = ? AND responded_at = ?`,
		string(status), nullRaw(result), millis(executedAt), id, string(schema.ActionPendingApproval), claim,
	)
	if err != nil {
		return false, fmt.Errorf("finalize action %s: %w", id, err)
	}
	return applied(res)
}

func scanAction(sc scanner) (*Action, error) {
	a := &Action{}
	var runID, propertyID, payload, result sql.NullString
	var status string
	var responded, executed sql.NullInt64
	var created int64
	if err := sc.Scan(&a.ID, &runID, &a.ManagerID, &propertyID, &a.ActionType, &payload, &status,
		&responded, &executed, &result, &created); err != nil {
		return nil, err
	}
	a.RunID = runID.String
	a.PropertyID = propertyID.String
	a.Payload = rawOrNil(payload)
	a.Result = rawOrNil(result)
	a.Status = schema.ActionStatus(status)
	a.RespondedAt = nanosPtr(responded)
	a.ExecutedAt = millisPtr(executed)
	a.CreatedAt = fromMillis(created)
	return a, nil
}
