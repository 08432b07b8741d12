package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"lendmarket/core/events"
	"lendmarket/crypto"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(DriverSQLite, dsn)
	require.NoError(t, err)
	return db
}

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

type opaqueEvent struct{}

func (opaqueEvent) EventType() string { return "lending.opaque" }

func TestLogPersistsEvents(t *testing.T) {
	db := setupTestDB(t)
	log, err := New(db, nil)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	log.SetClock(func() time.Time { return now })

	alice, bob := testAddress(0x01), testAddress(0x02)
	log.Emit(events.Minted{Market: "usdc", Account: alice, Amount: uint256.NewInt(500), Shares: uint256.NewInt(500)})
	log.Emit(events.Liquidated{
		DebtMarket:       "usdc",
		CollateralMarket: "eth",
		Liquidator:       bob,
		Borrower:         alice,
		DebtClosed:       uint256.NewInt(10),
		SharesSeized:     uint256.NewInt(7),
		ProtocolShares:   uint256.NewInt(1),
	})
	log.Emit(opaqueEvent{})

	entries, err := log.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, uint64(1), entries[0].Sequence)
	require.Equal(t, events.TypeMinted, entries[0].Type)
	require.Equal(t, "USDC", entries[0].Market)
	require.Equal(t, alice.String(), entries[0].Account)
	require.Equal(t, "500", entries[0].Attributes["amount"])
	require.True(t, entries[0].CreatedAt.Equal(now))

	require.Equal(t, events.TypeLiquidated, entries[1].Type)
	require.Equal(t, alice.String(), entries[1].Account)
	require.Equal(t, "USDC", entries[1].Market)
	require.Equal(t, "7", entries[1].Attributes["sharesSeized"])

	require.Equal(t, "lending.opaque", entries[2].Type)
	require.Empty(t, entries[2].Attributes)
}

func TestListFilters(t *testing.T) {
	db := setupTestDB(t)
	log, err := New(db, nil)
	require.NoError(t, err)

	alice, bob := testAddress(0x01), testAddress(0x02)
	log.Emit(events.Minted{Market: "usdc", Account: alice, Amount: uint256.NewInt(1), Shares: uint256.NewInt(1)})
	log.Emit(events.Minted{Market: "eth", Account: bob, Amount: uint256.NewInt(2), Shares: uint256.NewInt(2)})
	log.Emit(events.Borrowed{Market: "usdc", Account: bob, Amount: uint256.NewInt(3)})

	ctx := context.Background()
	byAccount, err := log.List(ctx, Filter{Account: bob.String()})
	require.NoError(t, err)
	require.Len(t, byAccount, 2)

	byMarket, err := log.List(ctx, Filter{Market: "usdc"})
	require.NoError(t, err)
	require.Len(t, byMarket, 2)

	byType, err := log.List(ctx, Filter{Type: events.TypeBorrowed})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, "3", byType[0].Attributes["amount"])

	paged, err := log.List(ctx, Filter{AfterSequence: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, uint64(2), paged[0].Sequence)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	db := setupTestDB(t)
	first, err := New(db, nil)
	require.NoError(t, err)
	first.Emit(events.MarketListed{Market: "usdc", Decimals: 6})
	first.Emit(events.MarketListed{Market: "eth", Decimals: 18})

	second, err := New(db, nil)
	require.NoError(t, err)
	second.Emit(events.MarketListed{Market: "dai", Decimals: 18})

	entries, err := second.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(3), entries[2].Sequence)
	require.Equal(t, "DAI", entries[2].Market)

	verified, err := second.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), verified.Records)
	require.Equal(t, entries[2].Digest, verified.Head)
}

func TestVerifyDetectsTampering(t *testing.T) {
	db := setupTestDB(t)
	log, err := New(db, nil)
	require.NoError(t, err)

	alice := testAddress(0x01)
	for i := uint64(1); i <= 3; i++ {
		log.Emit(events.Minted{Market: "usdc", Account: alice, Amount: uint256.NewInt(i), Shares: uint256.NewInt(i)})
	}
	ctx := context.Background()
	verified, err := log.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), verified.Records)
	require.Len(t, verified.Head, 64)

	require.NoError(t, db.Model(&Record{}).Where("sequence = ?", 2).Update("attributes", `{"amount":"999"}`).Error)
	_, err = log.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	require.ErrorContains(t, err, "sequence 2")
}

func TestExportParquet(t *testing.T) {
	db := setupTestDB(t)
	log, err := New(db, nil)
	require.NoError(t, err)
	log.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })

	alice, bob := testAddress(0x01), testAddress(0x02)
	log.Emit(events.Minted{Market: "usdc", Account: alice, Amount: uint256.NewInt(5), Shares: uint256.NewInt(5)})
	log.Emit(events.Borrowed{Market: "usdc", Account: bob, Amount: uint256.NewInt(2)})
	log.Emit(events.Minted{Market: "eth", Account: bob, Amount: uint256.NewInt(1), Shares: uint256.NewInt(1)})

	path := filepath.Join(t.TempDir(), "usdc.parquet")
	written, err := log.ExportParquet(context.Background(), path, Filter{Market: "usdc"})
	require.NoError(t, err)
	require.Equal(t, 2, written)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())

	rows := make([]parquetRow, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, int64(1), rows[0].Sequence)
	require.Equal(t, events.TypeMinted, rows[0].Type)
	require.Equal(t, events.TypeBorrowed, rows[1].Type)
	require.Equal(t, bob.String(), rows[1].Account)
	require.Equal(t, "2023-11-14T22:13:20Z", rows[0].CreatedAt)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.ErrorContains(t, err, "unsupported driver")
}
