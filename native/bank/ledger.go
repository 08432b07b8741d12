package bank

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"lendmarket/core/state"
	"lendmarket/crypto"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrInvalidAsset      = errors.New("bank: asset required")
	ErrOverflow          = errors.New("bank: balance overflow")
)

var balancePrefix = []byte("bank/balance/")

// Ledger tracks underlying asset balances per (asset, account). It reads and
// writes through the supplied store, so balances moved inside a state
// transaction commit or revert together with the engine state.
type Ledger struct {
	store state.KVStore
}

// NewLedger binds a ledger to the given store.
func NewLedger(store state.KVStore) *Ledger {
	return &Ledger{store: store}
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func balanceKey(asset string, addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, 0, len(balancePrefix)+len(asset)+1+len(raw))
	buf = append(buf, balancePrefix...)
	buf = append(buf, asset...)
	buf = append(buf, '/')
	return append(buf, raw...)
}

// Balance returns the holder's balance of asset. Missing entries read as zero.
func (l *Ledger) Balance(asset string, addr crypto.Address) (*uint256.Int, error) {
	asset = normalizeAsset(asset)
	if asset == "" {
		return nil, ErrInvalidAsset
	}
	bal := new(uint256.Int)
	if _, err := l.store.KVGet(balanceKey(asset, addr), bal); err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	return bal, nil
}

func (l *Ledger) put(asset string, addr crypto.Address, bal *uint256.Int) error {
	if err := l.store.KVPut(balanceKey(asset, addr), bal); err != nil {
		return fmt.Errorf("bank: store balance: %w", err)
	}
	return nil
}

// Credit adds amount to the holder's balance.
func (l *Ledger) Credit(asset string, addr crypto.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	bal, err := l.Balance(asset, addr)
	if err != nil {
		return err
	}
	if _, overflow := bal.AddOverflow(bal, amount); overflow {
		return ErrOverflow
	}
	return l.put(normalizeAsset(asset), addr, bal)
}

// Debit removes amount from the holder's balance.
func (l *Ledger) Debit(asset string, addr crypto.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	bal, err := l.Balance(asset, addr)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientFunds, bal.Dec(), amount.Dec(), normalizeAsset(asset))
	}
	bal.Sub(bal, amount)
	return l.put(normalizeAsset(asset), addr, bal)
}

// Transfer moves amount of asset between two holders.
func (l *Ledger) Transfer(asset string, from, to crypto.Address, amount *uint256.Int) error {
	if err := l.Debit(asset, from, amount); err != nil {
		return err
	}
	return l.Credit(asset, to, amount)
}
