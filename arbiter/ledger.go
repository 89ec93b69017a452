package arbiter

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Ledger 是每個拍賣中被接受出價的 append-only 嚴格有序序列，
// 當前價格和歷史紀錄都從這裡導出。
// Append 是唯一的寫入路徑；讀取端拿到的是呼叫當下的一致快照，
// 不會阻塞寫入者。
type Ledger struct {
	mu      sync.RWMutex
	entries map[uuid.UUID][]Bid
}

// NewLedger 建立一個空的 Ledger
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[uuid.UUID][]Bid),
	}
}

// Append 將出價附加到拍賣的序列尾端，並指派無空洞的序號。
// expectedPrev 必須等於當前尾端的序號，否則回傳 ErrStaleSequence，
// 以此強制出價的全域順序。序號指派對並發 Append 是原子的。
func (l *Ledger) Append(bid Bid, expectedPrev uint64) (uint64, error) {
	const op = "Ledger.Append"

	l.mu.Lock()
	defer l.mu.Unlock()
	tail := uint64(0)
	history := l.entries[bid.AuctionID]
	if len(history) > 0 {
		tail = history[len(history)-1].Sequence
	}
	if tail != expectedPrev {
		return 0, fmt.Errorf("[%s] expected prev=%d, tail=%d: %w", op, expectedPrev, tail, ErrStaleSequence)
	}
	bid.Sequence = tail + 1
	l.entries[bid.AuctionID] = append(history, bid)
	return bid.Sequence, nil
}

// History 回傳拍賣的出價紀錄，最新的在前。
// limit <= 0 表示不限制筆數。回傳的是複本，呼叫者可以安全持有。
func (l *Ledger) History(auctionID uuid.UUID, limit int) []Bid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	history := l.entries[auctionID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	// 反轉成最新在前
	out := make([]Bid, limit)
	for i := 0; i < limit; i++ {
		out[i] = history[len(history)-1-i]
	}
	return out
}

// Tail 回傳拍賣當前尾端的序號，還沒有出價時為 0
func (l *Ledger) Tail(auctionID uuid.UUID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	history := l.entries[auctionID]
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Sequence
}
