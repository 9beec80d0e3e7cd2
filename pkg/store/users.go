package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"quill/pkg/model"
)

// GetUser loads one user. Returns pgx.ErrNoRows wrapped when unknown.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	const q = `
		SELECT id, username, first_name, last_name, model, preamble,
		       message_count, token_count, balance, created_at, last_message_at
		FROM   users
		WHERE  id = $1`

	var u model.User
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Model, &u.Preamble,
		&u.MessageCount, &u.TokenCount, &u.Balance, &u.CreatedAt, &u.LastMessageAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return &u, nil
}

// EnsureUser returns the user, creating it with the starter balance on first
// contact. Creation also writes the opening balance_operations row so the
// audit ledger sums to the live balance from day one.
func (s *Store) EnsureUser(ctx context.Context, u *model.User, starter decimal.Decimal) (*model.User, error) {
	existing, err := s.GetUser(ctx, u.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin ensure user: %w", err)
	}
	defer tx.Rollback(ctx)

	const ins = `
		INSERT INTO users (id, username, first_name, last_name, balance)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	if _, err := tx.Exec(ctx, ins, u.ID, u.Username, u.FirstName, u.LastName, starter); err != nil {
		return nil, fmt.Errorf("store: insert user %d: %w", u.ID, err)
	}

	if starter.IsPositive() {
		const op = `
			INSERT INTO balance_operations
			    (user_id, kind, amount, balance_before, balance_after, description)
			VALUES ($1, $2, 0, $3, $3, 'starter balance')`
		if _, err := tx.Exec(ctx, op, u.ID, model.BalanceOpAdminTopup, starter); err != nil {
			return nil, fmt.Errorf("store: insert starter op for %d: %w", u.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit ensure user: %w", err)
	}

	return s.GetUser(ctx, u.ID)
}

// SetUserModel updates the preferred model.
func (s *Store) SetUserModel(ctx context.Context, userID int64, modelID string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE users SET model = $2 WHERE id = $1`, userID, modelID); err != nil {
		return fmt.Errorf("store: set model for %d: %w", userID, err)
	}
	return nil
}

// SetUserPreamble updates the custom system preamble.
func (s *Store) SetUserPreamble(ctx context.Context, userID int64, preamble string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE users SET preamble = $2 WHERE id = $1`, userID, preamble); err != nil {
		return fmt.Errorf("store: set preamble for %d: %w", userID, err)
	}
	return nil
}

// AdjustBalance applies a signed delta atomically and returns the balance
// before and after. Used by the balance service; the audit row is enqueued
// separately through the write-behind queue.
func (s *Store) AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal) (before, after decimal.Decimal, err error) {
	const q = `
		UPDATE users
		SET    balance = balance + $2
		WHERE  id = $1
		RETURNING balance - $2, balance`

	if err = s.pool.QueryRow(ctx, q, userID, delta).Scan(&before, &after); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("store: adjust balance for %d: %w", userID, err)
	}
	return before, after, nil
}

// touchUser applies one queued stats increment inside a flush transaction.
func touchUser(ctx context.Context, tx pgx.Tx, st model.UserStats) error {
	const q = `
		UPDATE users
		SET    message_count   = message_count + $2,
		       token_count     = token_count + $3,
		       last_message_at = GREATEST(last_message_at, $4)
		WHERE  id = $1`

	last := st.LastMessageAt
	if last.IsZero() {
		last = time.Now()
	}
	if _, err := tx.Exec(ctx, q, st.UserID, st.Messages, st.Tokens, last); err != nil {
		return fmt.Errorf("touch user %d: %w", st.UserID, err)
	}
	return nil
}
