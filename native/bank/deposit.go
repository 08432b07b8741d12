package bank

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"lendmarket/core/events"
	"lendmarket/core/state"
	"lendmarket/crypto"
)

var (
	ErrInvalidReference = errors.New("bank: deposit reference required")
	ErrInvalidAmount    = errors.New("bank: deposit amount must be positive")
	ErrReferenceReused  = errors.New("bank: deposit reference already used for a different credit")
)

var receiptPrefix = []byte("bank/receipt/")

// receipt is stored per deposit reference so a replayed deposit is a no-op.
type receipt struct {
	Asset   string
	Account []byte
	Amount  *uint256.Int
}

func receiptKey(reference string) []byte {
	return append(append([]byte{}, receiptPrefix...), reference...)
}

// CreditOnce credits amount unless reference has been applied before. A
// replay with identical details reports false; a replay with different
// details fails with ErrReferenceReused.
func (l *Ledger) CreditOnce(reference, asset string, addr crypto.Address, amount *uint256.Int) (bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return false, ErrInvalidReference
	}
	asset = normalizeAsset(asset)
	if asset == "" {
		return false, ErrInvalidAsset
	}
	if amount == nil || amount.IsZero() {
		return false, ErrInvalidAmount
	}
	var prior receipt
	found, err := l.store.KVGet(receiptKey(reference), &prior)
	if err != nil {
		return false, fmt.Errorf("bank: load receipt: %w", err)
	}
	if found {
		if prior.Asset != asset || !bytes.Equal(prior.Account, addr.Bytes()) || prior.Amount == nil || !prior.Amount.Eq(amount) {
			return false, fmt.Errorf("%w: %s", ErrReferenceReused, reference)
		}
		return false, nil
	}
	if err := l.Credit(asset, addr, amount); err != nil {
		return false, err
	}
	rec := receipt{Asset: asset, Account: addr.Bytes(), Amount: new(uint256.Int).Set(amount)}
	if err := l.store.KVPut(receiptKey(reference), &rec); err != nil {
		return false, fmt.Errorf("bank: store receipt: %w", err)
	}
	return true, nil
}

// Bridge applies deposits observed outside the process, each in its own
// state transaction, and announces the ones that credited.
type Bridge struct {
	state   *state.Manager
	emitter events.Emitter
}

// NewBridge binds a bridge to st. emitter may be nil.
func NewBridge(st *state.Manager, emitter events.Emitter) *Bridge {
	return &Bridge{state: st, emitter: emitter}
}

// Deposit credits amount of asset to to once per reference.
func (b *Bridge) Deposit(reference, asset string, to crypto.Address, amount *uint256.Int) (bool, error) {
	txn := b.state.Begin()
	credited, err := NewLedger(txn).CreditOnce(reference, asset, to, amount)
	if err != nil || !credited {
		txn.Discard()
		return false, err
	}
	if err := txn.Commit(); err != nil {
		return false, fmt.Errorf("bank: commit deposit: %w", err)
	}
	if b.emitter != nil {
		b.emitter.Emit(events.Deposited{
			Reference: strings.TrimSpace(reference),
			Asset:     normalizeAsset(asset),
			Account:   to,
			Amount:    new(uint256.Int).Set(amount),
		})
	}
	return true, nil
}
