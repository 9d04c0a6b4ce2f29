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

const exceptionColumns = `id, run_id, property_id, severity, category, title, details, context_json, status, requires_by, resolved_at, created_at, updated_at`

// --- Exceptions ---

func (s *SQLStore) CreateException(ctx context.Context, exc *Exception) error {
	if exc.CreatedAt.IsZero() {
		exc.CreatedAt = time.Now().UTC()
	}
	exc.UpdatedAt = exc.CreatedAt
	if exc.Status == "" {
		exc.Status = schema.ExceptionOpen
	}
	ctxJSON, err := marshalMapOrNil(exc.Context)
	if err != nil {
		return fmt.Errorf("marshal exception context: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO agent_exceptions (`+exceptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exc.ID, nullStr(exc.RunID), nullStr(exc.PropertyID), string(exc.Severity), exc.Category, exc.Title,
		nullStr(exc.Details), ctxJSON, string(exc.Status), nullMillis(exc.RequiresBy), nullMillis(exc.ResolvedAt),
		millis(exc.CreatedAt), millis(exc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

func (s *SQLStore) GetException(ctx context.Context, id string) (*Exception, error) {
	exc, err := scanException(s.queryRow(ctx, `SELECT `+exceptionColumns+` FROM agent_exceptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("exception", id)
	}
	return exc, err
}

func (s *SQLStore) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]*Exception, error) {
	if filter.Scoped && len(filter.PropertyIDs) == 0 {
		return nil, nil
	}
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Scoped {
		where = append(where, "property_id IN ("+placeholders(len(filter.PropertyIDs))+")")
		for _, p := range filter.PropertyIDs {
			args = append(args, p)
		}
	}

	query := `SELECT ` + exceptionColumns + ` FROM agent_exceptions`
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

	var out []*Exception
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exc)
	}
	return out, rows.Err()
}

func (s *SQLStore) TransitionException(ctx context.Context, id string, from []schema.ExceptionStatus, to schema.ExceptionStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, schema.NewError(schema.ErrCodeValidation, "exception transition requires at least one source status")
	}
	sets := "status = ?, updated_at = ?"
	args := []any{string(to), millis(at)}
	if to == schema.ExceptionResolved {
		sets += ", resolved_at = ?"
		args = append(args, millis(at))
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.exec(ctx,
		`UPDATE agent_exceptions SET `+sets+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition exception %s: %w", id, err)
	}
	return applied(res)
}

func (s *SQLStore) CountOpenCritical(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM agent_exceptions WHERE severity = ? AND status IN (?, ?)`,
		string(schema.SeverityCritical), string(schema.ExceptionOpen), string(schema.ExceptionAck),
	).Scan(&n)
	return n, err
}

func scanException(sc scanner) (*Exception, error) {
	exc := &Exception{}
	var runID, propertyID, details, ctxJSON sql.NullString
	var severity, status string
	var requiresBy, resolvedAt sql.NullInt64
	var created, updated int64
	if err := sc.Scan(&exc.ID, &runID, &propertyID, &severity, &exc.Category, &exc.Title, &details, &ctxJSON,
		&status, &requiresBy, &resolvedAt, &created, &updated); err != nil {
		return nil, err
	}
	m, err := unmarshalMap(ctxJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal exception context: %w", err)
	}
	exc.RunID = runID.String
	exc.PropertyID = propertyID.String
	exc.Details = details.String
	exc.Context = m
	exc.Severity = schema.Severity(severity)
	exc.Status = schema.ExceptionStatus(status)
	exc.RequiresBy = millisPtr(requiresBy)
	exc.ResolvedAt = millisPtr(resolvedAt)
	exc.CreatedAt = fromMillis(created)
	exc.UpdatedAt = fromMillis(updated)
	return exc, nil
}
