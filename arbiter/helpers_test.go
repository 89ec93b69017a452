package arbiter_test

import (
	"context"
	"io"
	"log"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"subasta/arbiter"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recordingNotifier 記錄所有發布的事件，測試用
type recordingNotifier struct {
	mu          sync.Mutex
	bids        []arbiter.BidEvent
	settlements []arbiter.SettlementEvent
}

func (n *recordingNotifier) PublishBid(_ context.Context, event arbiter.BidEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bids = append(n.bids, event)
	return nil
}

func (n *recordingNotifier) PublishSettlement(_ context.Context, event arbiter.SettlementEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settlements = append(n.settlements, event)
	return nil
}

func (n *recordingNotifier) BidEvents() []arbiter.BidEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]arbiter.BidEvent(nil), n.bids...)
}

func (n *recordingNotifier) Settlements() []arbiter.SettlementEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]arbiter.SettlementEvent(nil), n.settlements...)
}

type testFixture struct {
	registry *arbiter.Registry
	ledger   *arbiter.Ledger
	notifier *recordingNotifier
	core     *arbiter.Core
}

// setupCore 建立一組完整的仲裁元件
func setupCore(t *testing.T) *testFixture {
	t.Helper()
	registry := arbiter.NewRegistry()
	ledger := arbiter.NewLedger()
	notifier := &recordingNotifier{}
	core, err := arbiter.NewCore(registry, ledger, notifier,
		arbiter.WithCoreRetryDelay(time.Millisecond))
	require.NoError(t, err)
	return &testFixture{
		registry: registry,
		ledger:   ledger,
		notifier: notifier,
		core:     core,
	}
}

// registerAuction 登錄一場進行中的拍賣並回傳它的ID
func (f *testFixture) registerAuction(t *testing.T, startPrice, minIncrement, reservePrice int64) uuid.UUID {
	t.Helper()
	auctionID := uuid.New()
	config := arbiter.Config{
		ID:           auctionID,
		StartPrice:   startPrice,
		MinIncrement: minIncrement,
		ReservePrice: reservePrice,
		StartTime:    time.Now().Add(-time.Minute),
		EndTime:      time.Now().Add(time.Hour),
	}
	state := arbiter.State{
		CurrentPrice: startPrice,
		Status:       arbiter.StatusActive,
	}
	require.NoError(t, f.registry.Register(config, state))
	return auctionID
}

func manualBid(auctionID, bidderID uuid.UUID, amount int64) arbiter.Intent {
	return arbiter.Intent{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Kind:      arbiter.BidKindManual,
	}
}
