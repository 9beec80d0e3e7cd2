package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"quill/pkg/model"
)

// BalanceOperations returns the audit trail for a user, oldest first.
func (s *Store) BalanceOperations(ctx context.Context, userID int64, limit int) ([]model.BalanceOperation, error) {
	const q = `
		SELECT id, user_id, kind, amount, balance_before, balance_after,
		       related_chat_id, related_message, description, created_at
		FROM   balance_operations
		WHERE  user_id = $1
		ORDER  BY created_at, id
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: balance operations: %w", err)
	}
	defer rows.Close()

	var out []model.BalanceOperation
	for rows.Next() {
		var op model.BalanceOperation
		if err := rows.Scan(
			&op.ID, &op.UserID, &op.Kind, &op.Amount, &op.BalanceBefore,
			&op.BalanceAfter, &op.RelatedChatID, &op.RelatedMessage,
			&op.Description, &op.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan balance op: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// SumBalanceOperations returns the signed total of all audit amounts for a
// user. Used by reconciliation checks against users.balance.
func (s *Store) SumBalanceOperations(ctx context.Context, userID int64) (decimal.Decimal, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM balance_operations WHERE user_id = $1`

	var sum decimal.Decimal
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("store: sum balance ops: %w", err)
	}
	return sum, nil
}

// insertBalanceOps appends audit rows inside a flush transaction.
func insertBalanceOps(ctx context.Context, tx pgx.Tx, ops []model.BalanceOperation) error {
	const q = `
		INSERT INTO balance_operations
		    (user_id, kind, amount, balance_before, balance_after,
		     related_chat_id, related_message, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, op := range ops {
		batch.Queue(q,
			op.UserID, op.Kind, op.Amount, op.BalanceBefore, op.BalanceAfter,
			op.RelatedChatID, op.RelatedMessage, op.Description, op.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range ops {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert balance op: %w", err)
		}
	}
	return nil
}
