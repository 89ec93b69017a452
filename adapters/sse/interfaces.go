package sse

// PublishRequest 表示一筆要廣播的事件，Channel 是頻道名稱(拍賣ID)。
type PublishRequest[T any] struct {
	Channel string `json:"channel"`
	Message T      `json:"message"`
}

// ISubscriber 是跨節點事件來源的介面。
// 實際上由 Redis Stream 的 consumer 實作，讓多個服務實例
// 廣播同一份出價事件。
type ISubscriber[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IChannel 定義了單一拍賣頻道的介面
type IChannel[T any] interface {
	// Subscribe 建立一個新的訂閱並返回接收事件的通道
	Subscribe() <-chan T
	// Unsubscribe 取消指定通道的訂閱
	Unsubscribe(ch <-chan T)
	// UnsubscribeAll 取消所有訂閱
	UnsubscribeAll()
	// Broadcast 將事件廣播給所有訂閱者
	Broadcast(message T)
	// IsIdle 檢查是否沒有訂閱者
	IsIdle() bool
}

// IConnectionManager 定義了 SSE 連線管理員的介面
type IConnectionManager[T any] interface {
	// Start 啟動 ConnectionManager，開始處理事件的接收與廣播。
	// 應在呼叫其他方法前先呼叫此方法。
	Start()
	// Done 停止 ConnectionManager，釋放所有資源。
	Done()
	// Subscribe 註冊並訂閱指定頻道，返回接收事件的唯讀通道。
	Subscribe(channelName string) (<-chan T, error)
	// Unsubscribe 取消訂閱指定頻道。
	Unsubscribe(channelName string, ch <-chan T)
}
