package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Auction 代表一場拍賣
// 除了拍賣設定外，也保存仲裁核心同步下來的最新狀態快照
// (目前價格、領先者、序號)，重啟時用來還原記憶體中的註冊表
type Auction struct {
	gorm.Model

	ID           uuid.UUID  `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	SellerID     uuid.UUID  `gorm:"type:uuid;not null;<-:create"`
	Title        string     `gorm:"type:varchar(255);not null"`
	Description  string     `gorm:"type:text;not null"`
	StartPrice   int64      `gorm:"type:bigint;not null;<-:create"`
	MinIncrement int64      `gorm:"type:bigint;not null;<-:create"`
	ReservePrice int64      `gorm:"type:bigint;not null;default:0;<-:create"`
	StartTime    time.Time  `gorm:"type:timestamp with time zone;not null"`
	EndTime      time.Time  `gorm:"type:timestamp with time zone;not null"`
	Status       string     `gorm:"type:varchar(16);not null;default:'pending';index"`
	CurrentPrice int64      `gorm:"type:bigint;not null;default:0"`
	LeaderID     *uuid.UUID `gorm:"type:uuid"`
	LastSequence uint64     `gorm:"type:bigint;not null;default:0"`
	WinnerID     *uuid.UUID `gorm:"type:uuid"`
	FinalPrice   *int64     `gorm:"type:bigint"`
	SettledAt    *time.Time `gorm:"type:timestamp with time zone"`

	// 外鍵關聯
	Seller     User        `gorm:"foreignKey:SellerID"`
	BidRecords []BidRecord `gorm:"foreignKey:AuctionID"`
}
