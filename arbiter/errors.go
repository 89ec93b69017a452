package arbiter

import "errors"

// 仲裁錯誤分類。前五個是結構性拒絕，會同步回報給出價者；
// ErrConflict 和 ErrStaleSequence 是內部的暫時性錯誤，
// 由重試迴圈完全吸收，不會直接傳到呼叫者手上。
var (
	// ErrAuctionNotFound 表示 Registry 中不存在該拍賣
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionNotActive 表示出價時拍賣不在 Active 狀態
	ErrAuctionNotActive = errors.New("auction is not active")
	// ErrInsufficientIncrement 表示出價金額低於 currentPrice + minIncrement
	ErrInsufficientIncrement = errors.New("bid amount below required increment floor")
	// ErrSelfOutbid 表示目前領先者試圖對自己加價
	ErrSelfOutbid = errors.New("leader cannot outbid themselves")
	// ErrProxyActive 表示出價者在該拍賣已有啟用中的自動出價代理，
	// 手動出價會被伺服器端拒絕
	ErrProxyActive = errors.New("manual bidding disabled while proxy agent is active")
	// ErrArbitrationTimeout 表示 compare-and-swap 在限定次數內都失敗，
	// 出價從未被接受，呼叫者可以重新送出
	ErrArbitrationTimeout = errors.New("arbitration retry limit exceeded")
	// ErrProxyNotFound 表示該出價者在這場拍賣沒有啟用中的代理
	ErrProxyNotFound = errors.New("no active proxy agent for bidder")

	// ErrConflict 表示 compare-and-swap 的期望序號與當前狀態不符(內部)
	ErrConflict = errors.New("concurrent state mutation detected")
	// ErrStaleSequence 表示 Ledger append 的期望前序號與尾端不符(內部)
	ErrStaleSequence = errors.New("ledger tail sequence mismatch")
)
