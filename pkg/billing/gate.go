package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Gate is the pre-charge balance check in front of paid operations.
type Gate struct {
	balances Balances
	floor    decimal.Decimal
	free     map[string]bool
}

// NewGate builds a gate that blocks paid operations once the balance falls
// under floor. Commands in freeCommands always pass.
func NewGate(balances Balances, floor decimal.Decimal, freeCommands []string) *Gate {
	free := make(map[string]bool, len(freeCommands))
	for _, c := range freeCommands {
		free[c] = true
	}
	return &Gate{balances: balances, floor: floor, free: free}
}

// Allow decides whether the user may run a paid operation. command is the
// slash command being handled, empty for a plain message. The gate fails
// open: if the store is unreachable, the message goes through and the charge
// is applied later.
func (g *Gate) Allow(ctx context.Context, userID int64, command string) bool {
	if command != "" && g.free[command] {
		return true
	}

	user, err := g.balances.GetUser(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		// First contact; the starter balance is granted on registration.
		return true
	}
	if err != nil {
		slog.Warn("Balance gate check failed, allowing", "user_id", userID, "error", err)
		return true
	}
	return user.Balance.GreaterThan(g.floor)
}
