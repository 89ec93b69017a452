package api

import (
	"context"
	"fmt"

	redisAdapter "subasta/adapters/redis"
	"subasta/arbiter"
)

// streamNotifier 把仲裁核心發出的事件寫進Redis Stream。
// 出價事件和結算事件走不同的stream：前者供SSE扇出和出價落盤，
// 後者供結算落盤和下游的付款流程。
type streamNotifier struct {
	bids        redisAdapter.IProducer[arbiter.BidEvent]
	settlements redisAdapter.IProducer[arbiter.SettlementEvent]
}

func newStreamNotifier(
	bids redisAdapter.IProducer[arbiter.BidEvent],
	settlements redisAdapter.IProducer[arbiter.SettlementEvent],
) *streamNotifier {
	return &streamNotifier{
		bids:        bids,
		settlements: settlements,
	}
}

func (n *streamNotifier) PublishBid(ctx context.Context, event arbiter.BidEvent) error {
	const op = "streamNotifier.PublishBid"
	if err := n.bids.Publish(event); err != nil {
		return fmt.Errorf("[%s] Fail to publish bid event, err=%w", op, err)
	}
	return nil
}

func (n *streamNotifier) PublishSettlement(ctx context.Context, event arbiter.SettlementEvent) error {
	const op = "streamNotifier.PublishSettlement"
	if err := n.settlements.Publish(event); err != nil {
		return fmt.Errorf("[%s] Fail to publish settlement event, err=%w", op, err)
	}
	return nil
}
