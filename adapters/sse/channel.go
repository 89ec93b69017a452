package sse

import (
	"sync"
)

// Channel 管理單一拍賣頻道的所有觀察者，
// 把收到的事件廣播給每一個訂閱中的連線。
// 廣播是盡力而為的: 觀察者的緩衝滿了事件會被丟棄，
// 事件裡的序號讓觀察者自行補救(重新拉取歷史)。
type Channel[T any] struct {
	subscribers map[<-chan T]chan<- T
	bufferSize  int
	mu          sync.RWMutex
}

// NewChannel 建立一個新的拍賣頻道
func NewChannel[T any](bufferSize int) IChannel[T] {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &Channel[T]{
		subscribers: make(map[<-chan T]chan<- T),
		bufferSize:  bufferSize,
	}
}

// Subscribe 建立一個新的訂閱通道並回傳唯讀端給呼叫者
func (c *Channel[T]) Subscribe() <-chan T {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan T, c.bufferSize)
	c.subscribers[ch] = ch
	return ch
}

// Unsubscribe 移除指定的訂閱並關閉該通道
func (c *Channel[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if writeCh, exists := c.subscribers[ch]; exists {
		delete(c.subscribers, ch)
		close(writeCh)
	}
}

// UnsubscribeAll 關閉所有訂閱者的通道並清空訂閱清單
func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, writeCh := range c.subscribers {
		close(writeCh)
	}
	clear(c.subscribers)
}

// Broadcast 將事件廣播給所有仍在訂閱清單中的通道。
// 寫不進去(觀察者來不及消費)就丟棄，不阻塞其他觀察者。
func (c *Channel[T]) Broadcast(message T) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, writeCh := range c.subscribers {
		select {
		case writeCh <- message:
		default:
		}
	}
}

// IsIdle 判斷是否已經沒有訂閱者
func (c *Channel[T]) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers) == 0
}
