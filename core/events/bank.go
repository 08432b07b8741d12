package events

import (
	"github.com/holiman/uint256"

	"lendmarket/core/types"
	"lendmarket/crypto"
)

const TypeDeposited = "bank.deposited"

// Deposited records underlying credited to an account from outside the
// lending markets, keyed by the depositor's reference.
type Deposited struct {
	Reference string
	Asset     string
	Account   crypto.Address
	Amount    *uint256.Int
}

func (Deposited) EventType() string { return TypeDeposited }

func (e Deposited) Event() *types.Event {
	return &types.Event{Type: TypeDeposited, Attributes: map[string]string{
		"reference": e.Reference,
		"market":    normalizeMarket(e.Asset),
		"account":   e.Account.String(),
		"amount":    formatAmount(e.Amount),
	}}
}
