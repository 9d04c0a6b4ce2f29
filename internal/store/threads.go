package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Threads ---

func (s *SQLStore) CreateThread(ctx context.Context, th *Thread) error {
	now := time.Now().UTC()
	if th.CreatedAt.IsZero() {
		th.CreatedAt = now
	}
	th.UpdatedAt = th.CreatedAt
	if th.Status == "" {
		th.Status = ThreadOpen
	}
	_, err := s.exec(ctx,
		`INSERT INTO message_threads (id, property_id, channel, tenant_ref, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.PropertyID, th.Channel, th.TenantRef, th.Status, millis(th.CreatedAt), millis(th.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *SQLStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	th, err := scanThread(s.queryRow(ctx,
		`SELECT id, property_id, channel, tenant_ref, status, created_at, updated_at FROM message_threads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("thread", id)
	}
	return th, err
}

// FindOpenThread returns the most recently updated open thread, or a
// NOT_FOUND error.
func (s *SQLStore) FindOpenThread(ctx context.Context, propertyID, channel, tenantRef string) (*Thread, error) {
	th, err := scanThread(s.queryRow(ctx,
		`SELECT id, property_id, channel, tenant_ref, status, created_at, updated_at FROM message_threads
		 WHERE property_id = ? AND channel = ? AND tenant_ref = ? AND status = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		propertyID, channel, tenantRef, ThreadOpen))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("thread", channel+":"+tenantRef)
	}
	return th, err
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO thread_messages (id, thread_id, direction, body, external_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ThreadID, msg.Direction, msg.Body, nullStr(msg.ExternalID), millis(msg.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE message_threads SET updated_at = ? WHERE id = ?`),
		millis(msg.CreatedAt), msg.ThreadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if err := checkRowsAffected(res, "thread", msg.ThreadID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.query(ctx,
		`SELECT id, thread_id, direction, body, external_id, created_at FROM thread_messages WHERE thread_id = ? ORDER BY created_at, id`,
		threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var ext sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Direction, &m.Body, &ext, &created); err != nil {
			return nil, err
		}
		m.ExternalID = ext.String
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanThread(sc scanner) (*Thread, error) {
	th := &Thread{}
	var created, updated int64
	if err := sc.Scan(&th.ID, &th.PropertyID, &th.Channel, &th.TenantRef, &th.Status, &created, &updated); err != nil {
		return nil, err
	}
	th.CreatedAt = fromMillis(created)
	th.UpdatedAt = fromMillis(updated)
	return th, nil
}
