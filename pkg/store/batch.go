package store

import (
	"context"
	"fmt"

	"quill/pkg/model"
	"quill/pkg/queue"
)

// WriteBatch commits one flush batch in a single transaction, satisfying
// queue.BatchWriter. Message inserts are upsert-ignore on the composite key;
// stats are grouped per user before applying; balance and tool rows are
// append-only. A failure rolls everything back and the caller requeues.
func (s *Store) WriteBatch(ctx context.Context, b *queue.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin flush: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(b.Messages) > 0 {
		if err := insertMessages(ctx, tx, b.Messages); err != nil {
			return fmt.Errorf("store: flush messages: %w", err)
		}
	}

	for _, st := range GroupStats(b.Stats) {
		if err := touchUser(ctx, tx, st); err != nil {
			return fmt.Errorf("store: flush stats: %w", err)
		}
	}

	if len(b.BalanceOps) > 0 {
		if err := insertBalanceOps(ctx, tx, b.BalanceOps); err != nil {
			return fmt.Errorf("store: flush balance ops: %w", err)
		}
	}

	if len(b.Files) > 0 {
		if err := insertFiles(ctx, tx, b.Files); err != nil {
			return fmt.Errorf("store: flush files: %w", err)
		}
	}

	if len(b.ToolCalls) > 0 {
		if err := insertToolCalls(ctx, tx, b.ToolCalls); err != nil {
			return fmt.Errorf("store: flush tool calls: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit flush: %w", err)
	}
	return nil
}

// GroupStats collapses queued increments to one row per user, summing the
// counters and keeping the newest timestamp. Order of first appearance is
// preserved so flush writes stay deterministic.
func GroupStats(stats []model.UserStats) []model.UserStats {
	if len(stats) <= 1 {
		return stats
	}

	index := make(map[int64]int, len(stats))
	var out []model.UserStats
	for _, st := range stats {
		if i, ok := index[st.UserID]; ok {
			out[i].Messages += st.Messages
			out[i].Tokens += st.Tokens
			if st.LastMessageAt.After(out[i].LastMessageAt) {
				out[i].LastMessageAt = st.LastMessageAt
			}
			continue
		}
		index[st.UserID] = len(out)
		out = append(out, st)
	}
	return out
}
