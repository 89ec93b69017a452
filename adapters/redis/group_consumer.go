package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrConsumerClosed = errors.New("consumer is closed")
)

// Message 封裝事件和ack所需資料
type Message[T any] struct {
	Data T

	client    *redis.Client
	done      bool
	messageID string
	stream    string
	group     string

	raw map[string]any
}

// Done 確認事件已處理完成
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail 確認事件處理失敗，移入dead-letter後ack原事件
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}

	m.raw["error"] = failErr.Error()
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream + ":dead-letter",
		Values: m.raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}

	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack failed message: %w", op, err)
	}
	m.done = true
	return nil
}

type groupConsumerOptions[T any] struct {
	logger         *slog.Logger
	decodeFunc     func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	mutex          IAutoRenewMutex
	strictOrdering bool // 嚴格順序模式
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerDecodeFunc 設置事件解析函數
func WithGroupConsumerDecodeFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.decodeFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerMutex 注入mutex (主要用於測試)
func WithGroupConsumerMutex[T any](mutex IAutoRenewMutex) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupConsumerStrictOrdering 設置是否使用嚴格順序模式
func WithGroupConsumerStrictOrdering[T any](strict bool) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.strictOrdering = strict
	}
}

// GroupConsumer 以consumer group模式消費Stream，用於需要at-least-once保證的
// 落盤場景(出價歷史、結算結果入庫)。嚴格順序模式下由分布式鎖保證同一時間
// 只有一個節點在消費，事件序號才能依序寫入；拿到鎖後會先清掉pending中
// 的舊事件再讀新事件。
type GroupConsumer[T any] struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	downStream chan *Message[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	mutex      IAutoRenewMutex
	backlog    []string
	options    groupConsumerOptions[T]
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:       slog.Default(),
		decodeFunc:   DecodeMessage[T],
		bufferSize:   1,
		blockTimeout: time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	gc := &GroupConsumer[T]{
		logger:   options.logger.With(slog.String("caller", "GroupConsumer"), slog.String("stream", stream), slog.String("group", group), slog.String("consumer", consumer)),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}

	// 只在嚴格順序模式下設置mutex
	if options.strictOrdering {
		gc.mutex = options.mutex
		if gc.mutex == nil {
			gc.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", stream, group), WithAutoRenewMutexSkipLockError(true))
		}
	}

	return gc, nil
}

func (s *GroupConsumer[T]) Start() error {
	if !s.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.downStream = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting group consumer")

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

// Subscribe 訂閱Stream，返回Message通道
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return s.downStream
}

func (s *GroupConsumer[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing group consumer")
	s.closed = true
	s.cancelFunc()

	s.wg.Wait()
	s.logger.Info("group consumer closed gracefully")
	return nil
}

// run 是消費主循環。每一輪在嚴格順序模式下先拿分布式鎖，
// 鎖的child context被取消(續期失敗或他人搶佔)時這一輪結束、
// 下一輪重新搶鎖；外部context取消才真正退出。
func (s *GroupConsumer[T]) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.logger.Info("group consumer goroutine stopped")
	defer close(s.downStream)
	defer func() {
		if s.options.strictOrdering {
			s.mutex.Unlock()
		}
	}()

	for ctx.Err() == nil {
		workCtx := ctx
		if s.options.strictOrdering {
			lockCtx, err := s.mutex.Lock(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				s.logger.Error("failed to acquire lock", slog.Any("error", err))
				continue
			}
			workCtx = lockCtx
		}

		err := s.consume(workCtx)
		switch {
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// 外部要求停止
			return
		case errors.Is(err, context.Canceled):
			// 只有鎖的context被取消，重新搶鎖後繼續
			s.logger.Error("lock context cancelled, stopping current processing, restarting group consumer")
		default:
			s.logger.Error("error processing messages, stopping current processing, restarting group consumer", slog.Any("error", err))
		}
	}
}

// consume 清pending、逐條讀取、解碼、送往下游。正常情況下不返回，
// 返回值一定是讓這一輪中止的錯誤。
func (s *GroupConsumer[T]) consume(ctx context.Context) error {
	if s.options.strictOrdering {
		if err := s.loadBacklog(ctx); err != nil {
			s.logger.Error("initial pending messages fetch failed", slog.Any("error", err))
			return err
		}
	}
	for {
		message, err := s.nextMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			// 一般是和redis之間的通訊異常，重試即可
			s.logger.Error("fetch message error", slog.Any("error", err))
			continue
		}

		data, err := s.options.decodeFunc(message.Values)
		if err != nil {
			// 解碼失敗不會因重試而改善(原始資料或解碼方案有問題)，
			// 移入dead-letter後繼續處理下一條
			s.logger.Error("failed to decode message",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			if dlErr := s.discard(ctx, message); dlErr != nil {
				// 移動失敗的事件會以pending留在stream中。嚴格順序模式下
				// 下一輪會優先重試；非嚴格模式下不讀pending，需要人工介入
				s.logger.Error("error moving message to dead letter",
					slog.String("messageId", message.ID),
					slog.Any("error", dlErr),
				)
				return dlErr
			}
			continue
		}

		if err := s.deliver(ctx, &Message[T]{
			Data:      data,
			messageID: message.ID,
			stream:    s.stream,
			group:     s.group,
			client:    s.client,
			raw:       message.Values,
		}); err != nil {
			// 送不進下游(只可能是context取消)，事件以pending留在stream中，
			// 嚴格順序模式下下一輪優先處理
			s.logger.Error("error moving message to downstream",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			return err
		}
	}
}

// loadBacklog 收集本group所有pending事件的ID，這一輪會先於新事件處理
func (s *GroupConsumer[T]) loadBacklog(ctx context.Context) error {
	s.backlog = s.backlog[:0]
	cursor := "-"

	for {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Start:  cursor,
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("error getting pending messages: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		for _, entry := range pending {
			s.backlog = append(s.backlog, entry.ID)
		}
		cursor = pending[len(pending)-1].ID

		// 不足一頁表示已經到底了
		if len(pending) < 100 {
			break
		}
	}

	s.logger.Info("fetched all pending message IDs",
		slog.Int("count", len(s.backlog)))
	return nil
}

// nextMessage 優先消化backlog中的pending事件，清空後才讀新事件
func (s *GroupConsumer[T]) nextMessage(ctx context.Context) (redis.XMessage, error) {
	if len(s.backlog) > 0 {
		id := s.backlog[0]
		s.backlog = s.backlog[1:]
		messages, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil || len(messages) == 0 {
			return redis.XMessage{}, err
		}
		return messages[0], nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil || len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, err
	}
	return streams[0].Messages[0], nil
}

// discard 把無法解碼的事件移入dead-letter並ack
func (s *GroupConsumer[T]) discard(ctx context.Context, message redis.XMessage) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream + ":dead-letter",
		Values: message.Values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to move message to dead letter queue: %w", err)
	}
	return s.client.XAck(ctx, s.stream, s.group, message.ID).Err()
}

// deliver 把事件送往下游channel，接收方負責Done/Fail
func (s *GroupConsumer[T]) deliver(ctx context.Context, message *Message[T]) error {
	select {
	case <-ctx.Done():
		return context.Canceled
	case s.downStream <- message:
		return nil
	}
}
