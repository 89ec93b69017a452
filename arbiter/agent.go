package arbiter

import (
	"github.com/google/uuid"
)

// ProxyAgent 是一組 (拍賣, 出價者) 上的自動出價代理。
// 代理只會產生出價意圖，從不直接改動拍賣狀態；
// 除了 active 以外沒有隱藏的可變欄位，判斷函式都是當前狀態的純函式。
type ProxyAgent struct {
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	// Ceiling 是代理願意出到的最高總額
	Ceiling int64
	// Step 是每次反擊加上的增額
	Step int64

	active bool
}

// NewProxyAgent 建立一個啟用中的代理
func NewProxyAgent(auctionID, bidderID uuid.UUID, ceiling, step int64) *ProxyAgent {
	return &ProxyAgent{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Ceiling:   ceiling,
		Step:      step,
		active:    true,
	}
}

// Active 回傳代理是否仍在運作
func (a *ProxyAgent) Active() bool {
	return a.active
}

// Deactivate 停用代理。被超出上限、持有者手動撤銷或拍賣結束時呼叫，
// 停用後不會再為這場拍賣產生任何反擊。
func (a *ProxyAgent) Deactivate() {
	a.active = false
}

// ShouldCounter 判斷代理是否要對當前狀態反擊:
// 代理啟用中、場上有領先者且不是自己、且上限足以支付下一個最低增額。
// 沒有任何人出價時代理不主動開價，只回應被超越。
func (a *ProxyAgent) ShouldCounter(currentPrice, minIncrement int64, leader uuid.UUID) bool {
	if !a.active {
		return false
	}
	if leader == uuid.Nil || a.BidderID == leader {
		return false
	}
	return a.Ceiling >= currentPrice+minIncrement
}

// NextBidAmount 計算反擊金額: min(currentPrice + step, ceiling)。
// 前提是 ShouldCounter 為真，此時結果必然滿足最低增額。
func (a *ProxyAgent) NextBidAmount(currentPrice, minIncrement int64) int64 {
	amount := currentPrice + a.Step
	if amount > a.Ceiling {
		amount = a.Ceiling
	}
	return amount
}
