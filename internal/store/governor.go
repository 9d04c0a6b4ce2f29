package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const governorScope = "global"

// --- Governor ---

func (s *SQLStore) GetGovernorState(ctx context.Context) (*GovernorState, error) {
	st := &GovernorState{}
	var kill int
	var pause sql.NullInt64
	var reason, pauseReason sql.NullString
	var updated int64
	err := s.queryRow(ctx,
		`SELECT kill_switch, auto_pause_until, reason, pause_reason, failure_threshold_pct, critical_open_threshold, window_hours, updated_at
		 FROM governor_state WHERE scope = ?`, governorScope,
	).Scan(&kill, &pause, &reason, &pauseReason, &st.FailureThresholdPct, &st.CriticalOpenThreshold, &st.WindowHours, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("governor state", governorScope)
	}
	if err != nil {
		return nil, err
	}
	st.KillSwitch = kill != 0
	st.AutoPauseUntil = millisPtr(pause)
	st.Reason = reason.String
	st.PauseReason = pauseReason.String
	st.UpdatedAt = fromMillis(updated)
	return st, nil
}

func (s *SQLStore) UpdateGovernorState(ctx context.Context, update GovernorUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMilli()}

	if update.KillSwitch != nil {
		sets = append(sets, "kill_switch = ?")
		args = append(args, boolInt(*update.KillSwitch))
	}
	switch {
	case update.ClearAutoPause:
		sets = append(sets, "auto_pause_until = NULL", "pause_reason = NULL")
	case update.AutoPauseUntil != nil:
		sets = append(sets, "auto_pause_until = ?")
		args = append(args, update.AutoPauseUntil.UnixMilli())
		if update.PauseReason != nil {
			sets = append(sets, "pause_reason = ?")
			args = append(args, nullStr(*update.PauseReason))
		}
	}
	if update.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, nullStr(*update.Reason))
	}
	if update.FailureThresholdPct != nil {
		sets = append(sets, "failure_threshold_pct = ?")
		args = append(args, *update.FailureThresholdPct)
	}
	if update.CriticalOpenThreshold != nil {
		sets = append(sets, "critical_open_threshold = ?")
		args = append(args, *update.CriticalOpenThreshold)
	}
	if update.WindowHours != nil {
		sets = append(sets, "window_hours = ?")
		args = append(args, *update.WindowHours)
	}

	args = append(args, governorScope)
	res, err := s.exec(ctx, "UPDATE governor_state SET "+strings.Join(sets, ", ")+" WHERE scope = ?", args...)
	if err != nil {
		return fmt.Errorf("update governor state: %w", err)
	}
	return checkRowsAffected(res, "governor state", governorScope)
}

// --- Policies ---

func (s *SQLStore) CreatePolicy(ctx context.Context, p *Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ScopeType == "" {
		p.ScopeType = PolicyScopeGlobal
	}
	_, err := s.exec(ctx,
		`INSERT INTO agent_policies (id, name, scope_type, property_id, active, config, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.ScopeType, nullStr(p.PropertyID), boolInt(p.Active), nullRaw(p.Config), millis(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

func (s *SQLStore) SetPolicyActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, `UPDATE agent_policies SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "policy", id)
}

func (s *SQLStore) CountActiveGlobalPolicies(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM agent_policies WHERE scope_type = ? AND active = 1`, PolicyScopeGlobal,
	).Scan(&n)
	return n, err
}
