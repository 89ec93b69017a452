package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

type autoRenewMutexOptions struct {
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	skipLockError bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexRenewInterval 設置自動續期間隔
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置重試延遲
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexExpiry 設置鎖過期時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexSkipLockError 設置是否忽略所有鎖定錯誤
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

// AutoRenewMutex 帶自動續期的分布式鎖。排程器做拍賣狀態轉換、
// 落盤worker做嚴格順序消費時都靠它保證跨節點互斥。
// 鎖的存活狀態會反映在Lock返回的context上：續期一旦失敗，
// context隨即被取消，持鎖方的工作也跟著中止。
type AutoRenewMutex struct {
	*redsync.Mutex
	options autoRenewMutexOptions

	mu        sync.Mutex
	held      bool
	renewStop context.CancelFunc
	renewWG   sync.WaitGroup
}

// NewAutoRenewMutex 創建一個帶自動續期功能的互斥鎖
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	// 默認選項
	options := autoRenewMutexOptions{
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	// 如果未設置續期間隔，使用過期時間的1/3
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	rs := redsync.New(goredis.NewPool(client))
	return &AutoRenewMutex{
		Mutex: rs.NewMutex(
			key,
			redsync.WithExpiry(options.expiry),
			redsync.WithTries(1),
			redsync.WithRetryDelay(options.retryDelay),
		),
		options: options,
	}
}

// Lock 獲取鎖並啟動自動續期，支持通過context取消。
// 鎖被其他節點持有時會以retryDelay的間隔重試；
// Redis通訊錯誤默認直接失敗，除非設置了skipLockError。
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := m.Mutex.LockContext(ctx); err != nil {
			var redisErr *redsync.RedisError
			if !m.options.skipLockError && errors.As(err, &redisErr) {
				return nil, fmt.Errorf("failed to acquire lock: %w", err)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.options.retryDelay):
			}
			continue
		}

		lockCtx, cancel := context.WithCancel(ctx)
		m.beginRenewal(lockCtx, cancel)
		return lockCtx, nil
	}
}

// Unlock 停止自動續期並釋放鎖
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.endRenewal()
	m.renewWG.Wait()
	return m.Mutex.Unlock()
}

// Valid 檢查鎖是否仍然有效，通過比較當前時間和過期時間判斷
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	held := m.held
	m.mu.Unlock()
	return held && time.Now().Before(m.Mutex.Until())
}

func (m *AutoRenewMutex) beginRenewal(ctx context.Context, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held {
		return
	}
	m.held = true
	m.renewStop = cancel

	m.renewWG.Add(1)
	go func() {
		defer m.renewWG.Done()
		ticker := time.NewTicker(m.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ok, err := m.Mutex.Extend(); err != nil || !ok {
					m.endRenewal()
					return
				}
			}
		}
	}()
}

func (m *AutoRenewMutex) endRenewal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return
	}
	m.held = false
	if m.renewStop != nil {
		m.renewStop()
	}
}
