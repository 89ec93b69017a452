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

// Notifier 是仲裁核心對外發布事件的出口。
// 出價事件推給 Broadcast Channel，終結事件推給外部的結算流程。
// 發布失敗只影響觀察者，不影響 Ledger 的正確性。
type Notifier interface {
	PublishBid(ctx context.Context, event BidEvent) error
	PublishSettlement(ctx context.Context, event SettlementEvent) error
}

type coreOptions struct {
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

type CoreOption func(*coreOptions)

// WithCoreLogger 設置日誌記錄器
func WithCoreLogger(logger *slog.Logger) CoreOption {
	return func(o *coreOptions) {
		o.logger = logger
	}
}

// WithCoreMaxRetries 設置 compare-and-swap 失敗時的重試上限
func WithCoreMaxRetries(n int) CoreOption {
	return func(o *coreOptions) {
		o.maxRetries = n
	}
}

// WithCoreRetryDelay 設置重試的基礎延遲，實際延遲隨次數線性增加
func WithCoreRetryDelay(d time.Duration) CoreOption {
	return func(o *coreOptions) {
		o.retryDelay = d
	}
}

// Core 是出價仲裁的狀態機。
// 接收出價意圖(手動或代理)，對 Registry 狀態驗證，透過 compare-and-swap
// 解決並發競爭，寫入 Ledger，然後檢查所有代理是否需要反擊。
//
// 同一場拍賣的出價處理是實質序列化的: Registry 的 compare-and-swap
// 就是序列化點，沒有兩筆同拍賣的出價會同時生效。代理連鎖在觸發它的
// 出價的同一個邏輯呼叫鏈內同步完成，對外部觀察者而言，一筆手動出價的
// 可見效果要嘛完整(包含所有被決定性觸發的代理反擊)，要嘛整筆被拒絕。
type Core struct {
	registry *Registry
	ledger   *Ledger
	notifier Notifier
	logger   *slog.Logger
	options  coreOptions

	mu       sync.Mutex
	cond     *sync.Cond
	agents   map[uuid.UUID][]*ProxyAgent
	receipts map[uuid.UUID]map[string]Receipt
	inflight map[uuid.UUID]int
	commits  map[uuid.UUID]*sync.Mutex
}

// NewCore 建立仲裁核心
func NewCore(registry *Registry, ledger *Ledger, notifier Notifier, opts ...CoreOption) (*Core, error) {
	if registry == nil || ledger == nil {
		return nil, errors.New("registry and ledger cannot be nil")
	}
	if notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}

	// 默認選項
	options := coreOptions{
		logger:     slog.Default(),
		maxRetries: 5,
		retryDelay: 5 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	core := &Core{
		registry: registry,
		ledger:   ledger,
		notifier: notifier,
		logger:   options.logger.With(slog.String("caller", "Core")),
		options:  options,
		agents:   make(map[uuid.UUID][]*ProxyAgent),
		receipts: make(map[uuid.UUID]map[string]Receipt),
		inflight: make(map[uuid.UUID]int),
		commits:  make(map[uuid.UUID]*sync.Mutex),
	}
	core.cond = sync.NewCond(&core.mu)
	return core, nil
}

// SubmitBid 處理一筆手動出價意圖，回傳被接受後的憑證。
// 接受成功後會同步跑完代理反擊連鎖才回傳。
//
// 平手的裁決是 first-committer-wins: 兩筆同時滿足增額的出價，
// 誰先在 Registry 贏得 compare-and-swap 誰就是權威結果，
// 另一筆重試時會因為價格已經前進而收到 ErrInsufficientIncrement。
func (c *Core) SubmitBid(ctx context.Context, intent Intent) (Receipt, error) {
	const op = "Core.SubmitBid"
	if intent.AuctionID == uuid.Nil || intent.BidderID == uuid.Nil {
		return Receipt{}, fmt.Errorf("[%s] auction id and bidder id are required: %w", op, ErrAuctionNotFound)
	}
	if intent.Kind == "" {
		intent.Kind = BidKindManual
	}
	if _, err := c.registry.Config(intent.AuctionID); err != nil {
		return Receipt{}, fmt.Errorf("[%s] err=%w", op, err)
	}

	// 有啟用中代理的出價者不能手動出價(伺服器端強制)
	if intent.Kind == BidKindManual && c.hasActiveAgent(intent.AuctionID, intent.BidderID) {
		return Receipt{}, fmt.Errorf("[%s] bidder=%s err=%w", op, intent.BidderID, ErrProxyActive)
	}

	// 網路重送的去重: 同一個 idempotency key 直接回傳原本的憑證
	if intent.IdempotencyKey != "" {
		if receipt, ok := c.lookupReceipt(intent.AuctionID, intent.IdempotencyKey); ok {
			c.logger.Debug("duplicate submission absorbed",
				slog.String("auctionID", intent.AuctionID.String()),
				slog.String("idempotencyKey", intent.IdempotencyKey))
			return receipt, nil
		}
	}

	c.beginInflight(intent.AuctionID)
	defer c.endInflight(intent.AuctionID)

	receipt, err := c.arbitrate(ctx, intent)
	if err != nil {
		return Receipt{}, err
	}
	if intent.IdempotencyKey != "" {
		c.storeReceipt(intent.AuctionID, intent.IdempotencyKey, receipt)
	}

	// 代理反擊連鎖在同一個呼叫鏈內同步完成
	c.cascade(ctx, intent.AuctionID)
	return receipt, nil
}

// PlaceProxyBid 為 (拍賣, 出價者) 建立自動出價代理。
// 同一組合只會有一個啟用中的代理，重複建立會取代舊的。
// 建立後立刻評估新代理是否要對目前領先者發動反擊。
func (c *Core) PlaceProxyBid(ctx context.Context, auctionID, bidderID uuid.UUID, ceiling, step int64) error {
	const op = "Core.PlaceProxyBid"
	config, err := c.registry.Config(auctionID)
	if err != nil {
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	state, err := c.registry.State(auctionID)
	if err != nil {
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	if state.Status != StatusActive {
		return fmt.Errorf("[%s] status=%s err=%w", op, state.Status, ErrAuctionNotActive)
	}
	if step < config.MinIncrement {
		return fmt.Errorf("[%s] step=%d below minIncrement=%d err=%w", op, step, config.MinIncrement, ErrInsufficientIncrement)
	}
	if ceiling < state.CurrentPrice+config.MinIncrement {
		return fmt.Errorf("[%s] ceiling=%d cannot reach next floor=%d err=%w", op, ceiling, state.CurrentPrice+config.MinIncrement, ErrInsufficientIncrement)
	}

	c.mu.Lock()
	for _, agent := range c.agents[auctionID] {
		if agent.BidderID == bidderID && agent.Active() {
			agent.Deactivate()
		}
	}
	c.agents[auctionID] = append(c.agents[auctionID], NewProxyAgent(auctionID, bidderID, ceiling, step))
	c.mu.Unlock()
	c.logger.Info("proxy agent registered",
		slog.String("auctionID", auctionID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.Int64("ceiling", ceiling),
		slog.Int64("step", step))

	c.beginInflight(auctionID)
	defer c.endInflight(auctionID)
	c.cascade(ctx, auctionID)
	return nil
}

// CancelProxyBid 停用出價者在該拍賣的代理
func (c *Core) CancelProxyBid(auctionID, bidderID uuid.UUID) error {
	const op = "Core.CancelProxyBid"
	if _, err := c.registry.Config(auctionID); err != nil {
		return fmt.Errorf("[%s] err=%w", op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agent := range c.agents[auctionID] {
		if agent.BidderID == bidderID && agent.Active() {
			agent.Deactivate()
			c.logger.Info("proxy agent cancelled",
				slog.String("auctionID", auctionID.String()),
				slog.String("bidderID", bidderID.String()))
			return nil
		}
	}
	return fmt.Errorf("[%s] bidder=%s err=%w", op, bidderID, ErrProxyNotFound)
}

// HasActiveProxy 回傳出價者在該拍賣是否有啟用中的代理
func (c *Core) HasActiveProxy(auctionID, bidderID uuid.UUID) bool {
	return c.hasActiveAgent(auctionID, bidderID)
}

// Activate 執行 Pending → Active 轉換(排程開始時間到達或管理員手動啟用)
func (c *Core) Activate(ctx context.Context, auctionID uuid.UUID) error {
	const op = "Core.Activate"
	for attempt := 0; attempt < c.options.maxRetries; attempt++ {
		state, err := c.registry.State(auctionID)
		if err != nil {
			return fmt.Errorf("[%s] err=%w", op, err)
		}
		if state.Status != StatusPending {
			return fmt.Errorf("[%s] status=%s err=%w", op, state.Status, ErrAuctionNotActive)
		}
		next := state
		next.Status = StatusActive
		if err := c.registry.CompareAndSwap(auctionID, state, next); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("[%s] err=%w", op, err)
		}
		c.logger.Info("auction activated", slog.String("auctionID", auctionID.String()))
		return nil
	}
	return fmt.Errorf("[%s] err=%w", op, ErrArbitrationTimeout)
}

// Close 執行 Active → Closing → Closed 轉換並發出終結事件。
// Closing 期間手動出價一律拒絕，但尚未完成的代理連鎖會先被排空
// (drain)，保證沒有出價意圖在關閉邊界被無聲丟棄。
// 排空完成後才進入 Closed，以當下的領先者結算。
func (c *Core) Close(ctx context.Context, auctionID uuid.UUID) (SettlementEvent, error) {
	const op = "Core.Close"
	config, err := c.registry.Config(auctionID)
	if err != nil {
		return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, err)
	}

	// Active(或從未開始的 Pending) → Closing
	for attempt := 0; ; attempt++ {
		if attempt >= c.options.maxRetries {
			return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, ErrArbitrationTimeout)
		}
		state, err := c.registry.State(auctionID)
		if err != nil {
			return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, err)
		}
		if state.Status == StatusClosed || state.Status == StatusClosing {
			return SettlementEvent{}, fmt.Errorf("[%s] status=%s err=%w", op, state.Status, ErrAuctionNotActive)
		}
		next := state
		next.Status = StatusClosing
		if err := c.registry.CompareAndSwap(auctionID, state, next); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, err)
		}
		break
	}

	// 等待還在處理中的出價全部落定，再排空代理連鎖
	c.waitInflight(auctionID)
	c.cascade(ctx, auctionID)

	// Closing → Closed
	for attempt := 0; ; attempt++ {
		if attempt >= c.options.maxRetries {
			return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, ErrArbitrationTimeout)
		}
		state, err := c.registry.State(auctionID)
		if err != nil {
			return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, err)
		}
		next := state
		next.Status = StatusClosed
		if err := c.registry.CompareAndSwap(auctionID, state, next); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, err)
		}
		break
	}

	// 拍賣結束，所有代理停用
	c.mu.Lock()
	for _, agent := range c.agents[auctionID] {
		agent.Deactivate()
	}
	c.mu.Unlock()

	state, err := c.registry.State(auctionID)
	if err != nil {
		return SettlementEvent{}, fmt.Errorf("[%s] err=%w", op, err)
	}
	reserveMet := config.ReservePrice == 0 || state.CurrentPrice >= config.ReservePrice
	settlement := SettlementEvent{
		AuctionID:  auctionID,
		FinalPrice: state.CurrentPrice,
		ReserveMet: reserveMet,
		ClosedAt:   time.Now(),
	}
	if reserveMet {
		settlement.WinnerID = state.Leader
	}
	if err := c.notifier.PublishSettlement(ctx, settlement); err != nil {
		c.logger.Error("fail to publish settlement event",
			slog.String("auctionID", auctionID.String()),
			slog.Any("error", err))
	}
	c.logger.Info("auction closed",
		slog.String("auctionID", auctionID.String()),
		slog.String("winnerID", settlement.WinnerID.String()),
		slog.Int64("finalPrice", settlement.FinalPrice),
		slog.Bool("reserveMet", reserveMet))
	return settlement, nil
}

// arbitrate 是出價接受的核心: 讀取狀態、驗證增額與領先者，
// 再以 compare-and-swap 寫回並把出價 append 到帳本。
// compare-and-swap 衝突(另一筆出價同時被接受)時重新讀取狀態、
// 從增額驗證開始重試，有限次數內失敗則回傳 ErrArbitrationTimeout，
// 避免病態爭用下的 livelock。
func (c *Core) arbitrate(ctx context.Context, intent Intent) (Receipt, error) {
	const op = "Core.arbitrate"
	config, err := c.registry.Config(intent.AuctionID)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] err=%w", op, err)
	}
	commit := c.commitLock(intent.AuctionID)

	for attempt := 0; attempt < c.options.maxRetries; attempt++ {
		if attempt > 0 {
			// 線性退避，同時尊重呼叫端的取消
			select {
			case <-ctx.Done():
				return Receipt{}, fmt.Errorf("[%s] err=%w", op, ctx.Err())
			case <-time.After(time.Duration(attempt) * c.options.retryDelay):
			}
		}

		state, err := c.registry.State(intent.AuctionID)
		if err != nil {
			return Receipt{}, fmt.Errorf("[%s] err=%w", op, err)
		}
		// 手動出價只在 Active 受理; 代理反擊在 Closing 排空期間仍然受理
		admissible := state.Status == StatusActive ||
			(state.Status == StatusClosing && intent.Kind == BidKindProxy)
		if !admissible {
			return Receipt{}, fmt.Errorf("[%s] status=%s err=%w", op, state.Status, ErrAuctionNotActive)
		}
		if intent.Amount < state.CurrentPrice+config.MinIncrement {
			return Receipt{}, fmt.Errorf("[%s] amount=%d floor=%d err=%w", op, intent.Amount, state.CurrentPrice+config.MinIncrement, ErrInsufficientIncrement)
		}
		if intent.BidderID == state.Leader {
			return Receipt{}, fmt.Errorf("[%s] bidder=%s err=%w", op, intent.BidderID, ErrSelfOutbid)
		}

		next := State{
			CurrentPrice: intent.Amount,
			Leader:       intent.BidderID,
			Status:       state.Status,
			Sequence:     state.Sequence + 1,
		}
		// commit 鎖橫跨 compare-and-swap 與 append，讓兩者對外是單一提交:
		// 否則另一筆出價可能在空隙間贏得下一輪 compare-and-swap 並先 append，
		// 導致這裡的 append 對不上尾端序號
		commit.Lock()
		if err := c.registry.CompareAndSwap(intent.AuctionID, state, next); err != nil {
			commit.Unlock()
			if errors.Is(err, ErrConflict) {
				c.logger.Debug("arbitration conflict, retrying",
					slog.String("auctionID", intent.AuctionID.String()),
					slog.Int("attempt", attempt+1))
				continue
			}
			return Receipt{}, fmt.Errorf("[%s] err=%w", op, err)
		}

		bid := Bid{
			AuctionID:  intent.AuctionID,
			BidderID:   intent.BidderID,
			Amount:     intent.Amount,
			Kind:       intent.Kind,
			AcceptedAt: time.Now(),
		}
		sequence, err := c.ledger.Append(bid, state.Sequence)
		commit.Unlock()
		if err != nil {
			return Receipt{}, fmt.Errorf("[%s] err=%w", op, err)
		}

		event := BidEvent{
			AuctionID:      intent.AuctionID,
			SequenceNumber: sequence,
			CurrentPrice:   intent.Amount,
			LeaderID:       intent.BidderID,
			BidKind:        intent.Kind,
			Timestamp:      bid.AcceptedAt,
		}
		if err := c.notifier.PublishBid(ctx, event); err != nil {
			// 廣播失敗只影響觀察者，出價本身已經生效
			c.logger.Error("fail to publish bid event",
				slog.String("auctionID", intent.AuctionID.String()),
				slog.Uint64("sequence", sequence),
				slog.Any("error", err))
		}
		c.logger.Info("bid accepted",
			slog.String("auctionID", intent.AuctionID.String()),
			slog.String("bidderID", intent.BidderID.String()),
			slog.Uint64("sequence", sequence),
			slog.Int64("amount", intent.Amount),
			slog.String("kind", string(intent.Kind)))
		return Receipt{
			AuctionID:  intent.AuctionID,
			Sequence:   sequence,
			Amount:     intent.Amount,
			AcceptedAt: bid.AcceptedAt,
		}, nil
	}
	return Receipt{}, fmt.Errorf("[%s] attempts=%d err=%w", op, c.options.maxRetries, ErrArbitrationTimeout)
}

// cascade 在一筆出價被接受後掃描該拍賣的代理，依建立順序逐一反擊。
// 每次反擊被接受後都重新讀取狀態再掃描，不假設掃描前的狀態仍然有效。
// 每步被接受的反擊至少抬價 minIncrement，而金額被上限封頂，
// 所以連鎖必然在有限步內終止。
func (c *Core) cascade(ctx context.Context, auctionID uuid.UUID) {
	config, err := c.registry.Config(auctionID)
	if err != nil {
		return
	}
	for {
		state, err := c.registry.State(auctionID)
		if err != nil {
			return
		}
		if state.Status != StatusActive && state.Status != StatusClosing {
			return
		}
		agent := c.nextEligibleAgent(auctionID, state, config.MinIncrement)
		if agent == nil {
			return
		}
		intent := Intent{
			AuctionID: auctionID,
			BidderID:  agent.BidderID,
			Amount:    agent.NextBidAmount(state.CurrentPrice, config.MinIncrement),
			Kind:      BidKindProxy,
		}
		if _, err := c.arbitrate(ctx, intent); err != nil {
			// 增額不足或自我超越表示狀態在掃描後又前進了，重新掃描即可
			if errors.Is(err, ErrInsufficientIncrement) || errors.Is(err, ErrSelfOutbid) {
				continue
			}
			c.logger.Error("proxy counter-bid failed",
				slog.String("auctionID", auctionID.String()),
				slog.String("bidderID", agent.BidderID.String()),
				slog.Any("error", err))
			return
		}
	}
}

// nextEligibleAgent 依建立順序找出第一個可以反擊的代理。
// 上限撐不起下一個最低增額的代理會被停用(永久出局)。
func (c *Core) nextEligibleAgent(auctionID uuid.UUID, state State, minIncrement int64) *ProxyAgent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agent := range c.agents[auctionID] {
		if !agent.Active() || agent.BidderID == state.Leader {
			continue
		}
		// 還沒有人出價時代理按兵不動
		if state.Leader == uuid.Nil {
			continue
		}
		if agent.ShouldCounter(state.CurrentPrice, minIncrement, state.Leader) {
			return agent
		}
		// 不是領先者又追不上下一個增額，代理出局
		agent.Deactivate()
		c.logger.Info("proxy ceiling exhausted",
			slog.String("auctionID", auctionID.String()),
			slog.String("bidderID", agent.BidderID.String()),
			slog.Int64("ceiling", agent.Ceiling),
			slog.Int64("currentPrice", state.CurrentPrice))
	}
	return nil
}

func (c *Core) hasActiveAgent(auctionID, bidderID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agent := range c.agents[auctionID] {
		if agent.BidderID == bidderID && agent.Active() {
			return true
		}
	}
	return false
}

// commitLock 回傳該拍賣的提交鎖，arbitrate 用它把
// compare-and-swap 與 ledger append 綁成單一提交。
func (c *Core) commitLock(auctionID uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.commits[auctionID]
	if !ok {
		lock = &sync.Mutex{}
		c.commits[auctionID] = lock
	}
	return lock
}

func (c *Core) lookupReceipt(auctionID uuid.UUID, key string) (Receipt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[auctionID][key]
	return receipt, ok
}

func (c *Core) storeReceipt(auctionID uuid.UUID, key string, receipt Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receipts[auctionID] == nil {
		c.receipts[auctionID] = make(map[string]Receipt)
	}
	c.receipts[auctionID][key] = receipt
}

func (c *Core) beginInflight(auctionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[auctionID]++
}

func (c *Core) endInflight(auctionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[auctionID]--
	c.cond.Broadcast()
}

// waitInflight 等待該拍賣所有處理中的出價落定，Close 的排空用
func (c *Core) waitInflight(auctionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inflight[auctionID] > 0 {
		c.cond.Wait()
	}
}
