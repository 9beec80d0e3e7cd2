package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quill/pkg/model"
	"quill/pkg/queue"
)

// Balances is the slice of the store the service needs. *store.Store
// satisfies it.
type Balances interface {
	AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal) (before, after decimal.Decimal, err error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// Enqueuer is the write-behind queue's producer side.
type Enqueuer interface {
	Queue(ctx context.Context, kind queue.Kind, payload any) bool
}

// Service applies charges and credits. The balance column moves
// synchronously; the audit row rides the write-behind queue.
type Service struct {
	balances Balances
	enqueue  Enqueuer
	margin   decimal.Decimal
}

// NewService creates a billing service. margin is a multiplier applied to
// usage charges, 1.0 for pass-through pricing.
func NewService(balances Balances, enqueue Enqueuer, margin decimal.Decimal) *Service {
	if margin.LessThanOrEqual(decimal.Zero) {
		margin = decimal.NewFromInt(1)
	}
	return &Service{balances: balances, enqueue: enqueue, margin: margin}
}

// Charge deducts a usage cost (pre-margin) and records the audit operation.
// Returns the balance after the charge.
func (s *Service) Charge(ctx context.Context, userID int64, cost decimal.Decimal, description string, chatID int64, messageID int) (decimal.Decimal, error) {
	amount := cost.Mul(s.margin).Neg()
	return s.apply(ctx, userID, amount, model.BalanceOpUsage, description, chatID, messageID)
}

// Credit adds funds: payments, refunds, admin topups.
func (s *Service) Credit(ctx context.Context, userID int64, amount decimal.Decimal, kind model.BalanceOpKind, description string) (decimal.Decimal, error) {
	return s.apply(ctx, userID, amount, kind, description, 0, 0)
}

func (s *Service) apply(ctx context.Context, userID int64, amount decimal.Decimal, kind model.BalanceOpKind, description string, chatID int64, messageID int) (decimal.Decimal, error) {
	if amount.IsZero() {
		user, err := s.balances.GetUser(ctx, userID)
		if err != nil {
			return decimal.Zero, err
		}
		return user.Balance, nil
	}

	before, after, err := s.balances.AdjustBalance(ctx, userID, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: adjust balance: %w", err)
	}

	s.enqueue.Queue(ctx, queue.KindBalanceOp, model.BalanceOperation{
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		RelatedChatID:  chatID,
		RelatedMessage: messageID,
		Description:    description,
		CreatedAt:      time.Now(),
	})
	return after, nil
}
