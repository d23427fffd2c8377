package tradejournal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

func tradeEvent(userID, id string, side domain.Side) domain.TradeEvent {
	return domain.TradeEvent{
		UserID: userID,
		Record: domain.TradeRecord{
			ID:        id,
			Type:      side,
			CoinID:    "bitcoin",
			Symbol:    "BTC",
			Amount:    decimal.RequireFromString("0.1"),
			Price:     decimal.NewFromInt(50000),
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Balance:   decimal.NewFromInt(5000),
		Portfolio: []domain.Position{},
	}
}

func TestWALStore_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Publish(context.Background(), tradeEvent("alice", "t1", domain.SideBuy)))
	require.NoError(t, store.Append(tradeEvent("bob", "t2", domain.SideBuy)))
	require.NoError(t, store.Append(tradeEvent("alice", "t3", domain.SideSell)))
	assert.Equal(t, uint64(3), store.CurrentIndex())

	alice, err := store.UserEntries("alice", 0)
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, uint64(1), alice[0].Index)
	assert.Equal(t, "t1", alice[0].Event.Record.ID)
	assert.Equal(t, domain.SideBuy, alice[0].Event.Record.Type)
	assert.True(t, alice[0].Event.Balance.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, uint64(3), alice[1].Index)
	assert.Equal(t, domain.SideSell, alice[1].Event.Record.Type)

	tail, err := store.UserEntries("alice", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "t3", tail[0].Event.Record.ID)

	bob, err := store.UserEntries("bob", 0)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, uint64(2), bob[0].Index)

	none, err := store.UserEntries("alice", 3)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = store.UserEntries("", 0)
	assert.Error(t, err)

	require.NoError(t, store.Close())
}

func TestWALStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Append(tradeEvent("alice", "t1", domain.SideBuy)))
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.UserEntries("alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].Event.Record.ID)
}

func TestWALStore_RejectsAnonymousEvent(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Append(tradeEvent("", "t1", domain.SideBuy)))
}

func TestWALStore_NilStore(t *testing.T) {
	var store *WALStore
	assert.Error(t, store.Append(tradeEvent("alice", "t1", domain.SideBuy)))
	assert.Equal(t, uint64(0), store.CurrentIndex())
	_, err := store.UserEntries("alice", 0)
	assert.Error(t, err)
}
