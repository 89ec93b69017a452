package sse_test

import (
	"io"
	"log"
	"sync"

	"subasta/adapters/sse"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// Event 表示一筆測試用的出價事件
type Event struct {
	Sequence uint64 `json:"sequence"`
	Price    int64  `json:"price"`
}

// fakeSubscriber 餵假事件給 ConnectionManager，測試用
type fakeSubscriber struct {
	ch        chan sse.PublishRequest[Event]
	closeOnce sync.Once
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		ch: make(chan sse.PublishRequest[Event], 16),
	}
}

func (s *fakeSubscriber) Start() {}

func (s *fakeSubscriber) Subscribe() <-chan sse.PublishRequest[Event] {
	return s.ch
}

func (s *fakeSubscriber) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

func (s *fakeSubscriber) Emit(channel string, event Event) {
	s.ch <- sse.PublishRequest[Event]{Channel: channel, Message: event}
}
