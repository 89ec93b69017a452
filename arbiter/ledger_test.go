package arbiter_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subasta/arbiter"
)

func appendBid(t *testing.T, ledger *arbiter.Ledger, auctionID uuid.UUID, amount int64, expectedPrev uint64) uint64 {
	t.Helper()
	sequence, err := ledger.Append(arbiter.Bid{
		AuctionID:  auctionID,
		BidderID:   uuid.New(),
		Amount:     amount,
		Kind:       arbiter.BidKindManual,
		AcceptedAt: time.Now(),
	}, expectedPrev)
	require.NoError(t, err)
	return sequence
}

func TestLedger_AppendAssignsGaplessSequence(t *testing.T) {
	ledger := arbiter.NewLedger()
	auctionID := uuid.New()

	assert.EqualValues(t, 0, ledger.Tail(auctionID))
	assert.EqualValues(t, 1, appendBid(t, ledger, auctionID, 110, 0))
	assert.EqualValues(t, 2, appendBid(t, ledger, auctionID, 120, 1))
	assert.EqualValues(t, 3, appendBid(t, ledger, auctionID, 130, 2))
	assert.EqualValues(t, 3, ledger.Tail(auctionID))
}

func TestLedger_StaleSequenceRejected(t *testing.T) {
	ledger := arbiter.NewLedger()
	auctionID := uuid.New()
	appendBid(t, ledger, auctionID, 110, 0)

	// 期望的前序號已經過期
	_, err := ledger.Append(arbiter.Bid{AuctionID: auctionID, Amount: 120}, 0)
	assert.ErrorIs(t, err, arbiter.ErrStaleSequence)

	// 不同拍賣的序列互相獨立
	other := uuid.New()
	assert.EqualValues(t, 1, appendBid(t, ledger, other, 200, 0))
}

func TestLedger_HistoryMostRecentFirst(t *testing.T) {
	ledger := arbiter.NewLedger()
	auctionID := uuid.New()
	for i := 1; i <= 5; i++ {
		appendBid(t, ledger, auctionID, int64(100+i*10), uint64(i-1))
	}

	history := ledger.History(auctionID, 0)
	require.Len(t, history, 5)
	for i, bid := range history {
		assert.EqualValues(t, 5-i, bid.Sequence)
	}

	// limit 只取最新的幾筆
	limited := ledger.History(auctionID, 2)
	require.Len(t, limited, 2)
	assert.EqualValues(t, 5, limited[0].Sequence)
	assert.EqualValues(t, 4, limited[1].Sequence)

	// 回傳的是快照複本，改動不影響 Ledger 本身
	limited[0].Amount = 0
	again := ledger.History(auctionID, 1)
	assert.EqualValues(t, 150, again[0].Amount)
}

func TestLedger_HistoryEmptyAuction(t *testing.T) {
	ledger := arbiter.NewLedger()
	assert.Empty(t, ledger.History(uuid.New(), 10))
}
