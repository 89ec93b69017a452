package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker 是排程器執行狀態轉換前要取得的互斥鎖。
// 多節點部署時由 Redis 分散式鎖實作，確保排程的
// Pending → Active 和 Active → Closing 只由一個節點執行。
type Locker interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
}

// LockerFactory 依鍵值建立 Locker
type LockerFactory func(key string) Locker

type schedulerOptions struct {
	logger   *slog.Logger
	interval time.Duration
}

type SchedulerOption func(*schedulerOptions)

// WithSchedulerLogger 設置日誌記錄器
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		o.logger = logger
	}
}

// WithSchedulerInterval 設置掃描間隔
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		o.interval = d
	}
}

// Scheduler 週期性掃描 Registry，在排定的開始時間啟用拍賣、
// 在排定的結束時間發動關閉。
type Scheduler struct {
	core       *Core
	registry   *Registry
	newLocker  LockerFactory
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    schedulerOptions
}

// NewScheduler 建立排程器。
// newLocker 為 nil 時不做跨節點互斥(單節點部署或測試)。
func NewScheduler(core *Core, registry *Registry, newLocker LockerFactory, opts ...SchedulerOption) (*Scheduler, error) {
	if core == nil || registry == nil {
		return nil, errors.New("core and registry cannot be nil")
	}

	// 默認選項
	options := schedulerOptions{
		logger:   slog.Default(),
		interval: time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Scheduler{
		core:      core,
		registry:  registry,
		newLocker: newLocker,
		closed:    true,
		logger:    options.logger.With(slog.String("caller", "Scheduler")),
		options:   options,
	}, nil
}

// Start 啟動排程器
func (s *Scheduler) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting auction scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("scheduler goroutine stopped")
		ticker := time.NewTicker(s.options.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Close 停止排程器
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("scheduler closed")
}

// Sweep 掃描一輪所有拍賣並執行到期的轉換
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now()
	for _, config := range s.registry.List() {
		state, err := s.registry.State(config.ID)
		if err != nil {
			continue
		}
		switch {
		case state.Status == StatusPending && !now.Before(config.StartTime):
			s.transition(ctx, config.ID, "activate", func(ctx context.Context) error {
				return s.core.Activate(ctx, config.ID)
			})
		case state.Status == StatusActive && !now.Before(config.EndTime):
			s.transition(ctx, config.ID, "close", func(ctx context.Context) error {
				_, err := s.core.Close(ctx, config.ID)
				return err
			})
		}
	}
}

// transition 在(可選的)分散式鎖保護下執行一次狀態轉換。
// 拿不到鎖表示其他節點正在處理同一個轉換，跳過即可。
func (s *Scheduler) transition(ctx context.Context, auctionID uuid.UUID, name string, fn func(context.Context) error) {
	runCtx := ctx
	if s.newLocker != nil {
		locker := s.newLocker(fmt.Sprintf("auction:%s:transition", auctionID))
		lockCtx, err := locker.Lock(ctx)
		if err != nil {
			s.logger.Debug("transition lock not acquired",
				slog.String("auctionID", auctionID.String()),
				slog.String("transition", name),
				slog.Any("error", err))
			return
		}
		defer func() {
			if _, err := locker.Unlock(); err != nil {
				s.logger.Warn("fail to release transition lock",
					slog.String("auctionID", auctionID.String()),
					slog.Any("error", err))
			}
		}()
		runCtx = lockCtx
	}

	if err := fn(runCtx); err != nil {
		// 拿到鎖之後發現轉換已經被做掉(例如管理員手動關閉)不算異常
		if errors.Is(err, ErrAuctionNotActive) {
			return
		}
		s.logger.Error("scheduled transition failed",
			slog.String("auctionID", auctionID.String()),
			slog.String("transition", name),
			slog.Any("error", err))
	}
}
