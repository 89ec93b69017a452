package arbiter

import (
	"time"

	"github.com/google/uuid"
)

// Status 代表拍賣在仲裁狀態機中的狀態
type Status string

const (
	// StatusPending 拍賣尚未開始
	StatusPending Status = "Pending"
	// StatusActive 拍賣進行中，接受出價
	StatusActive Status = "Active"
	// StatusClosing 拍賣結束中，只處理尚未完成的代理出價連鎖
	StatusClosing Status = "Closing"
	// StatusClosed 拍賣已結束，不再接受任何出價
	StatusClosed Status = "Closed"
)

// BidKind 區分手動出價和代理出價
type BidKind string

const (
	BidKindManual BidKind = "manual"
	BidKindProxy  BidKind = "proxy"
)

// Config 是拍賣的靜態設定，拍賣開始後不可變更。
// 金額一律使用最小貨幣單位的整數表示。
type Config struct {
	ID           uuid.UUID
	StartPrice   int64
	MinIncrement int64
	// ReservePrice 為 0 表示沒有底價
	ReservePrice int64
	StartTime    time.Time
	EndTime      time.Time
}

// State 是拍賣的可變狀態，只能透過 Registry 的 compare-and-swap 更新。
// Sequence 每接受一筆出價遞增一次，是單一拍賣內出價的全域順序。
type State struct {
	CurrentPrice int64
	// Leader 是目前最高出價者，uuid.Nil 表示還沒有人出價
	Leader   uuid.UUID
	Status   Status
	Sequence uint64
}

// Bid 是 Ledger 中的一筆出價紀錄，append 之後不可變更
type Bid struct {
	AuctionID  uuid.UUID
	Sequence   uint64
	BidderID   uuid.UUID
	Amount     int64
	Kind       BidKind
	AcceptedAt time.Time
}

// Intent 是一筆候選出價(手動或代理產生)，尚未進入 Ledger。
// IdempotencyKey 由客戶端提供，用於網路重送時的去重，可為空。
type Intent struct {
	AuctionID      uuid.UUID
	BidderID       uuid.UUID
	Amount         int64
	Kind           BidKind
	IdempotencyKey string
}

// Receipt 是出價被接受後回傳給出價者的憑證
type Receipt struct {
	AuctionID  uuid.UUID
	Sequence   uint64
	Amount     int64
	AcceptedAt time.Time
}

// BidEvent 是每筆被接受的出價對觀察者廣播的事件。
// SequenceNumber 是觀察者端重排序和去重的唯一依據，
// 廣播本身只保證 at-least-once、盡力而為的順序。
type BidEvent struct {
	AuctionID      uuid.UUID `json:"auctionId"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	CurrentPrice   int64     `json:"currentPrice"`
	LeaderID       uuid.UUID `json:"leaderId"`
	BidKind        BidKind   `json:"bidKind"`
	Timestamp      time.Time `json:"timestamp"`
}

// SettlementEvent 是拍賣進入 Closed 時發出的終結事件，
// 由外部的付款/請款流程消費。
// 沒有達到底價時 WinnerID 為 uuid.Nil。
type SettlementEvent struct {
	AuctionID  uuid.UUID `json:"auctionId"`
	WinnerID   uuid.UUID `json:"winnerId"`
	FinalPrice int64     `json:"finalPrice"`
	ReserveMet bool      `json:"reserveMet"`
	ClosedAt   time.Time `json:"closedAt"`
}
