package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisAdapter "subasta/adapters/redis"
	"subasta/arbiter"
)

func TestStreamNotifier(t *testing.T) {
	// 設置 miniredis
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	// 建立 Redis 客戶端
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	defer client.Close()

	ctx := context.Background()
	bidStream := "auction:bids"
	settlementStream := "auction:settlements"

	bidProducer, err := redisAdapter.NewProducer[arbiter.BidEvent](client, bidStream)
	require.NoError(t, err)
	settlementProducer, err := redisAdapter.NewProducer[arbiter.SettlementEvent](client, settlementStream)
	require.NoError(t, err)
	bidProducer.Start()
	settlementProducer.Start()
	defer bidProducer.Close()
	defer settlementProducer.Close()

	notifier := newStreamNotifier(bidProducer, settlementProducer)

	t.Run("出價事件應寫入bid stream", func(t *testing.T) {
		event := arbiter.BidEvent{
			AuctionID:      uuid.New(),
			SequenceNumber: 7,
			CurrentPrice:   1500,
			LeaderID:       uuid.New(),
			BidKind:        arbiter.BidKindManual,
			Timestamp:      time.Now(),
		}
		require.NoError(t, notifier.PublishBid(ctx, event))

		// producer是非同步寫入，等待訊息出現在stream上
		var messages []redis.XMessage
		require.Eventually(t, func() bool {
			messages, err = client.XRange(ctx, bidStream, "-", "+").Result()
			return err == nil && len(messages) == 1
		}, time.Second, 10*time.Millisecond)

		decoded, err := redisAdapter.DecodeMessage[arbiter.BidEvent](messages[0].Values)
		require.NoError(t, err)
		assert.Equal(t, event.AuctionID, decoded.AuctionID)
		assert.Equal(t, event.SequenceNumber, decoded.SequenceNumber)
		assert.Equal(t, event.CurrentPrice, decoded.CurrentPrice)
		assert.Equal(t, event.LeaderID, decoded.LeaderID)
		assert.Equal(t, event.BidKind, decoded.BidKind)
		assert.True(t, event.Timestamp.Equal(decoded.Timestamp))
	})

	t.Run("結算事件應寫入settlement stream", func(t *testing.T) {
		event := arbiter.SettlementEvent{
			AuctionID:  uuid.New(),
			WinnerID:   uuid.New(),
			FinalPrice: 9900,
			ReserveMet: true,
			ClosedAt:   time.Now(),
		}
		require.NoError(t, notifier.PublishSettlement(ctx, event))

		var messages []redis.XMessage
		require.Eventually(t, func() bool {
			messages, err = client.XRange(ctx, settlementStream, "-", "+").Result()
			return err == nil && len(messages) == 1
		}, time.Second, 10*time.Millisecond)

		decoded, err := redisAdapter.DecodeMessage[arbiter.SettlementEvent](messages[0].Values)
		require.NoError(t, err)
		assert.Equal(t, event.AuctionID, decoded.AuctionID)
		assert.Equal(t, event.WinnerID, decoded.WinnerID)
		assert.Equal(t, event.FinalPrice, decoded.FinalPrice)
		assert.True(t, event.ReserveMet == decoded.ReserveMet)
		assert.True(t, event.ClosedAt.Equal(decoded.ClosedAt))
	})
}

func TestStreamNotifier_ClosedProducer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	defer client.Close()

	bidProducer, err := redisAdapter.NewProducer[arbiter.BidEvent](client, "auction:bids")
	require.NoError(t, err)
	settlementProducer, err := redisAdapter.NewProducer[arbiter.SettlementEvent](client, "auction:settlements")
	require.NoError(t, err)
	bidProducer.Start()
	bidProducer.Close()

	notifier := newStreamNotifier(bidProducer, settlementProducer)
	err = notifier.PublishBid(context.Background(), arbiter.BidEvent{AuctionID: uuid.New()})
	assert.ErrorIs(t, err, redisAdapter.ErrProducerClosed)
}
