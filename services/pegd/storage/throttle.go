package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Policy caps the volume a single investor may move per window. A nil limit
// disables the corresponding check.
type Policy struct {
	ID        string
	BuyLimit  *uint256.Int
	SellLimit *uint256.Int
	Window    time.Duration
}

// SavePolicy upserts the throttle configuration.
func (s *Storage) SavePolicy(ctx context.Context, policy Policy) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(policy.ID) == "" {
		return fmt.Errorf("policy id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO throttle_policy(id, buy_limit, sell_limit, window_seconds, updated_at)
        VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            buy_limit=excluded.buy_limit,
            sell_limit=excluded.sell_limit,
            window_seconds=excluded.window_seconds,
            updated_at=CURRENT_TIMESTAMP
    `, policy.ID, limitText(policy.BuyLimit), limitText(policy.SellLimit), int64(policy.Window.Seconds()))
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// GetPolicy loads the throttle policy for the supplied identifier.
func (s *Storage) GetPolicy(ctx context.Context, id string) (Policy, error) {
	policy := Policy{ID: id}
	if s == nil {
		return policy, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT buy_limit, sell_limit, window_seconds
        FROM throttle_policy
        WHERE id = ?
    `, id)
	var buy, sell string
	var windowSeconds int64
	if err := row.Scan(&buy, &sell, &windowSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy, fmt.Errorf("policy %q: %w", id, ErrNotFound)
		}
		return policy, fmt.Errorf("query policy: %w", err)
	}
	var err error
	if policy.BuyLimit, err = parseLimit(buy); err != nil {
		return policy, err
	}
	if policy.SellLimit, err = parseLimit(sell); err != nil {
		return policy, err
	}
	if windowSeconds > 0 {
		policy.Window = time.Duration(windowSeconds) * time.Second
	}
	return policy, nil
}

// ThrottleAction enumerates rate-limited flows.
type ThrottleAction string

const (
	// ActionBuy identifies buy orders, measured in native base units.
	ActionBuy ThrottleAction = "buy"
	// ActionSell identifies sell orders, measured in token base units.
	ActionSell ThrottleAction = "sell"
)

// CheckThrottle records the event if the subject's usage inside the window
// plus amount stays within limit. A nil limit always allows.
func (s *Storage) CheckThrottle(ctx context.Context, policyID, subject string, action ThrottleAction, limit *uint256.Int, window time.Duration, amount *uint256.Int, when time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	if limit == nil || limit.IsZero() {
		return true, nil
	}
	normalized := new(uint256.Int)
	if amount != nil {
		normalized.Set(amount)
	}
	if normalized.Gt(limit) {
		return false, nil
	}
	subject = strings.ToLower(strings.TrimSpace(subject))
	cutoff := when.Add(-window).Unix()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `
        SELECT amount
        FROM throttle_events
        WHERE policy_id = ? AND subject = ? AND action = ? AND occurred_at >= ?
    `, policyID, subject, string(action), cutoff)
	if err != nil {
		return false, fmt.Errorf("query throttle events: %w", err)
	}
	used := new(uint256.Int)
	for rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan throttle amount: %w", err)
		}
		amt, err := parseAmount(stored)
		if err != nil {
			rows.Close()
			return false, err
		}
		if _, overflow := used.AddOverflow(used, amt); overflow {
			rows.Close()
			return false, nil
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate throttle events: %w", err)
	}
	if !used.Lt(limit) {
		return false, nil
	}
	remainder := new(uint256.Int).Sub(limit, used)
	if remainder.Lt(normalized) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO throttle_events(policy_id, subject, action, amount, occurred_at)
        VALUES(?, ?, ?, ?, ?)
    `, policyID, subject, string(action), normalized.Dec(), when.Unix()); err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit throttle: %w", err)
	}
	return true, nil
}

// PruneThrottleEvents removes events that fall outside every possible window.
func (s *Storage) PruneThrottleEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM throttle_events WHERE occurred_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune throttle events: %w", err)
	}
	return result.RowsAffected()
}

func limitText(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func parseLimit(raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(raw)
}
