package billing

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/pkg/model"
	"quill/pkg/queue"
)

type fakeBalances struct {
	balance decimal.Decimal
	missing bool
	down    bool
	deltas  []decimal.Decimal
}

func (f *fakeBalances) AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if f.down {
		return decimal.Zero, decimal.Zero, assert.AnError
	}
	before := f.balance
	f.balance = f.balance.Add(delta)
	f.deltas = append(f.deltas, delta)
	return before, f.balance, nil
}

func (f *fakeBalances) GetUser(ctx context.Context, id int64) (*model.User, error) {
	if f.down {
		return nil, assert.AnError
	}
	if f.missing {
		return nil, pgx.ErrNoRows
	}
	return &model.User{ID: id, Balance: f.balance}, nil
}

type fakeEnqueuer struct {
	kinds    []queue.Kind
	payloads []any
}

func (f *fakeEnqueuer) Queue(ctx context.Context, kind queue.Kind, payload any) bool {
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
	return true
}

func TestPricingForTiers(t *testing.T) {
	assert.Equal(t, haikuPricing, PricingFor("claude-haiku-4-5"))
	assert.Equal(t, sonnetPricing, PricingFor("claude-sonnet-4-5-20250929"))
	assert.Equal(t, opusPricing, PricingFor("claude-opus-4-6"))
	assert.Equal(t, opusPricing, PricingFor("some-future-model"), "unknown prices as the top tier")
}

func TestCostForUsage(t *testing.T) {
	u := anthropic.BetaUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	cost := CostForUsage("claude-sonnet-4-5", u)
	assert.Equal(t, "18", cost.String(), "1M in + 1M out at sonnet rates")
}

func TestCostForUsageWebSearch(t *testing.T) {
	u := anthropic.BetaUsage{
		InputTokens:   1000,
		OutputTokens:  1000,
		ServerToolUse: anthropic.BetaServerToolUsage{WebSearchRequests: 3},
	}
	withSearch := CostForUsage("claude-sonnet-4-5", u)

	u.ServerToolUse.WebSearchRequests = 0
	without := CostForUsage("claude-sonnet-4-5", u)

	assert.Equal(t, "0.03", withSearch.Sub(without).String())
}

func TestChargeAppliesMarginAndEnqueuesAudit(t *testing.T) {
	balances := &fakeBalances{balance: decimal.NewFromInt(10)}
	enq := &fakeEnqueuer{}
	svc := NewService(balances, enq, decimal.NewFromFloat(1.5))

	after, err := svc.Charge(context.Background(), 7, decimal.NewFromInt(2), "llm usage", 1, 42)
	require.NoError(t, err)
	assert.Equal(t, "7", after.String(), "10 - 2*1.5")

	require.Len(t, enq.kinds, 1)
	assert.Equal(t, queue.KindBalanceOp, enq.kinds[0])
	op := enq.payloads[0].(model.BalanceOperation)
	assert.Equal(t, model.BalanceOpUsage, op.Kind)
	assert.Equal(t, "-3", op.Amount.String())
	assert.Equal(t, "10", op.BalanceBefore.String())
	assert.Equal(t, "7", op.BalanceAfter.String())
	assert.Equal(t, 42, op.RelatedMessage)
}

func TestChargeZeroCostSkipsAudit(t *testing.T) {
	balances := &fakeBalances{balance: decimal.NewFromInt(5)}
	enq := &fakeEnqueuer{}
	svc := NewService(balances, enq, decimal.NewFromInt(1))

	after, err := svc.Charge(context.Background(), 7, decimal.Zero, "noop", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "5", after.String())
	assert.Empty(t, enq.kinds)
}

func TestCreditRecordsKind(t *testing.T) {
	balances := &fakeBalances{}
	enq := &fakeEnqueuer{}
	svc := NewService(balances, enq, decimal.NewFromInt(1))

	_, err := svc.Credit(context.Background(), 7, decimal.NewFromInt(20), model.BalanceOpPayment, "stars purchase")
	require.NoError(t, err)

	op := enq.payloads[0].(model.BalanceOperation)
	assert.Equal(t, model.BalanceOpPayment, op.Kind)
	assert.Equal(t, "20", op.Amount.String())
}

func TestGateBlocksBelowFloor(t *testing.T) {
	balances := &fakeBalances{balance: decimal.NewFromFloat(0.001)}
	gate := NewGate(balances, decimal.NewFromFloat(0.01), []string{"help", "balance"})

	assert.False(t, gate.Allow(context.Background(), 7, ""))
	assert.True(t, gate.Allow(context.Background(), 7, "help"), "free commands bypass")

	balances.balance = decimal.NewFromInt(1)
	assert.True(t, gate.Allow(context.Background(), 7, ""))
}

func TestGateFailOpen(t *testing.T) {
	gate := NewGate(&fakeBalances{down: true}, decimal.NewFromFloat(0.01), nil)
	assert.True(t, gate.Allow(context.Background(), 7, ""))
}

func TestGateUnknownUserAllowed(t *testing.T) {
	gate := NewGate(&fakeBalances{missing: true}, decimal.NewFromFloat(0.01), nil)
	assert.True(t, gate.Allow(context.Background(), 7, ""))
}
