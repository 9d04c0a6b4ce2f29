package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"
)

// --- Secrets ---

// Secret values are opaque ciphertext; they are stored base64-encoded so
// every driver can keep them in a TEXT column.

func (s *SQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC().UnixMilli()
	_, err := s.exec(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, rotated_at = ?`,
		key, base64.StdEncoding.EncodeToString(value), now, now,
	)
	return err
}

func (s *SQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var encoded string
	err := s.queryRow(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (s *SQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.exec(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *SQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
