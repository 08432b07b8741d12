package bank

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"lendmarket/core/events"
	"lendmarket/core/state"
	"lendmarket/storage"
)

func TestCreditOnceIgnoresReplays(t *testing.T) {
	ledger := NewLedger(state.NewManager(storage.NewMemDB()))
	alice := addr(1)

	credited, err := ledger.CreditOnce("tx-1", "usdc", alice, uint256.NewInt(75))
	require.NoError(t, err)
	require.True(t, credited)
	credited, err = ledger.CreditOnce(" tx-1 ", "USDC", alice, uint256.NewInt(75))
	require.NoError(t, err)
	require.False(t, credited)

	bal, err := ledger.Balance("USDC", alice)
	require.NoError(t, err)
	require.Equal(t, uint64(75), bal.Uint64())

	_, err = ledger.CreditOnce("tx-1", "USDC", alice, uint256.NewInt(76))
	require.ErrorIs(t, err, ErrReferenceReused)
	_, err = ledger.CreditOnce("tx-1", "USDC", addr(2), uint256.NewInt(75))
	require.ErrorIs(t, err, ErrReferenceReused)
	_, err = ledger.CreditOnce("", "USDC", alice, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidReference)
	_, err = ledger.CreditOnce("tx-2", "USDC", alice, new(uint256.Int))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBridgeDepositCommitsAndEmits(t *testing.T) {
	st := state.NewManager(storage.NewMemDB())
	rec := &events.Recorder{}
	bridge := NewBridge(st, rec)
	bob := addr(2)

	credited, err := bridge.Deposit("eth-deposit-9", "eth", bob, uint256.NewInt(3))
	require.NoError(t, err)
	require.True(t, credited)
	credited, err = bridge.Deposit("eth-deposit-9", "eth", bob, uint256.NewInt(3))
	require.NoError(t, err)
	require.False(t, credited)

	bal, err := NewLedger(st).Balance("ETH", bob)
	require.NoError(t, err)
	require.Equal(t, uint64(3), bal.Uint64())
	require.Equal(t, []string{events.TypeDeposited}, rec.Types())
	dep := rec.Events[0].(events.Deposited)
	require.Equal(t, "ETH", dep.Asset)
	require.Equal(t, "eth-deposit-9", dep.Reference)

	_, err = bridge.Deposit("eth-deposit-10", "", bob, uint256.NewInt(3))
	require.ErrorIs(t, err, ErrInvalidAsset)
	require.Len(t, rec.Events, 1)
}
