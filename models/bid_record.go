package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BidRecord 代表仲裁核心已裁定的一筆出價
// (auction_id, sequence_number)的唯一索引保證同一場拍賣的
// 序號不會重複寫入，落盤worker重送事件時靠它去重
type BidRecord struct {
	*gorm.Model

	ID             uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	AuctionID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bid_record_auction_id_sequence_number;<-:create"`
	SequenceNumber uint64    `gorm:"type:bigint;not null;uniqueIndex:idx_bid_record_auction_id_sequence_number;<-:create"`
	BidderID       uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Amount         int64     `gorm:"type:bigint;not null;<-:create"`
	Kind           string    `gorm:"type:varchar(8);not null;<-:create"`
	PlacedAt       time.Time `gorm:"type:timestamp with time zone;not null;<-:create"`

	// 外鍵關聯
	Bidder  User    `gorm:"foreignKey:BidderID"`
	Auction Auction `gorm:"foreignKey:AuctionID"`
}
