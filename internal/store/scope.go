package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// --- Property scope ---

// GetPropertySettings returns the settings row, or the defaults (automation
// enabled) for a property that has never been configured.
func (s *SQLStore) GetPropertySettings(ctx context.Context, propertyID string) (*PropertySettings, error) {
	ps := &PropertySettings{PropertyID: propertyID}
	var enabled int
	var updated int64
	err := s.queryRow(ctx,
		`SELECT automation_enabled, updated_at FROM property_settings WHERE property_id = ?`, propertyID,
	).Scan(&enabled, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		ps.AutomationEnabled = true
		return ps, nil
	}
	if err != nil {
		return nil, err
	}
	ps.AutomationEnabled = enabled != 0
	ps.UpdatedAt = fromMillis(updated)
	return ps, nil
}

func (s *SQLStore) SetAutomationEnabled(ctx context.Context, propertyID string, enabled bool) error {
	_, err := s.exec(ctx,
		`INSERT INTO property_settings (property_id, automation_enabled, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (property_id) DO UPDATE SET automation_enabled = excluded.automation_enabled, updated_at = excluded.updated_at`,
		propertyID, boolInt(enabled), time.Now().UTC().UnixMilli(),
	)
	return err
}

func (s *SQLStore) GrantProperty(ctx context.Context, principalID, propertyID string) error {
	_, err := s.exec(ctx,
		`INSERT INTO principal_properties (principal_id, property_id) VALUES (?, ?)
		 ON CONFLICT (principal_id, property_id) DO NOTHING`,
		principalID, propertyID,
	)
	return err
}

func (s *SQLStore) RevokeProperty(ctx context.Context, principalID, propertyID string) error {
	_, err := s.exec(ctx,
		`DELETE FROM principal_properties WHERE principal_id = ? AND property_id = ?`, principalID, propertyID)
	return err
}

func (s *SQLStore) ListPrincipalProperties(ctx context.Context, principalID string) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT property_id FROM principal_properties WHERE principal_id = ? ORDER BY property_id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
