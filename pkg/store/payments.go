package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// RecordPayment stores one provider-confirmed payment. The balance credit and
// its audit row are applied separately by the billing service.
func (s *Store) RecordPayment(ctx context.Context, userID int64, providerID string, amount decimal.Decimal, currency string) error {
	const q = `
		INSERT INTO payments (user_id, provider_id, amount, currency)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, userID, providerID, amount, currency); err != nil {
		return fmt.Errorf("store: record payment for %d: %w", userID, err)
	}
	return nil
}
