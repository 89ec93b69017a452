package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProxyBid 代表使用者設定的代理出價
// 一位使用者在同一場拍賣最多只有一筆有效設定，重設即覆蓋
type ProxyBid struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_proxy_bid_auction_id_bidder_id,where:deleted_at IS NULL;<-:create"`
	BidderID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_proxy_bid_auction_id_bidder_id,where:deleted_at IS NULL;<-:create"`
	Ceiling   int64     `gorm:"type:bigint;not null"`
	Step      int64     `gorm:"type:bigint;not null"`
	Active    bool      `gorm:"type:boolean;not null;default:true"`

	// 外鍵關聯
	Bidder  User    `gorm:"foreignKey:BidderID"`
	Auction Auction `gorm:"foreignKey:AuctionID"`
}
