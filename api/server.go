package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "subasta/adapters/redis"
	"subasta/adapters/sse"
	"subasta/arbiter"
	"subasta/models"
)

type ServerImpl struct {
	registry   *arbiter.Registry
	ledger     *arbiter.Ledger
	core       *arbiter.Core
	scheduler  *arbiter.Scheduler
	sseManager sse.IConnectionManager[arbiter.BidEvent]

	redisClient        *redis.Client
	bidProducer        redisAdapter.IProducer[arbiter.BidEvent]
	settlementProducer redisAdapter.IProducer[arbiter.SettlementEvent]
	consumer           redisAdapter.IConsumer[sse.PublishRequest[arbiter.BidEvent]]
	bidSync            redisAdapter.IGroupConsumer[arbiter.BidEvent]
	settlementSync     redisAdapter.IGroupConsumer[arbiter.SettlementEvent]

	htmlChecker *bluemonday.Policy
	db          *gorm.DB
	wg          sync.WaitGroup
	cancelFunc  context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Auction{}, &models.BidRecord{}, &models.ProxyBid{}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化事件producer
	bidProducer, err := redisAdapter.NewProducer[arbiter.BidEvent](redisClient, config.Redis.StreamKeys.BidStream)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid producer, err=%w", op, err)
	}
	settlementProducer, err := redisAdapter.NewProducer[arbiter.SettlementEvent](redisClient, config.Redis.StreamKeys.SettlementStream)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement producer, err=%w", op, err)
	}

	// 初始化仲裁核心
	registry := arbiter.NewRegistry()
	ledger := arbiter.NewLedger()
	coreOpts := []arbiter.CoreOption{}
	if config.Arbitration.MaxRetries > 0 {
		coreOpts = append(coreOpts, arbiter.WithCoreMaxRetries(config.Arbitration.MaxRetries))
	}
	if config.Arbitration.RetryDelay > 0 {
		coreOpts = append(coreOpts, arbiter.WithCoreRetryDelay(config.Arbitration.RetryDelay))
	}
	core, err := arbiter.NewCore(registry, ledger, newStreamNotifier(bidProducer, settlementProducer), coreOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create arbitration core, err=%w", op, err)
	}

	// 初始化排程器，狀態轉換由分布式鎖保證只有一個節點執行
	lockerFactory := func(key string) arbiter.Locker {
		return redisAdapter.NewAutoRenewMutex(redisClient, config.Redis.KeyPrefix+key)
	}
	schedulerOpts := []arbiter.SchedulerOption{}
	if config.Arbitration.SweepInterval > 0 {
		schedulerOpts = append(schedulerOpts, arbiter.WithSchedulerInterval(config.Arbitration.SweepInterval))
	}
	scheduler, err := arbiter.NewScheduler(core, registry, lockerFactory, schedulerOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create scheduler, err=%w", op, err)
	}

	// 初始化SSE管理器
	consumer, err := redisAdapter.NewConsumer[sse.PublishRequest[arbiter.BidEvent]](
		redisClient,
		config.Redis.StreamKeys.BidStream,
		redisAdapter.WithConsumerDecodeFunc(func(m map[string]any) (sse.PublishRequest[arbiter.BidEvent], error) {
			event, err := redisAdapter.DecodeMessage[arbiter.BidEvent](m)
			if err != nil {
				return sse.PublishRequest[arbiter.BidEvent]{}, fmt.Errorf("fail to decode bid event, err=%w", err)
			}
			return sse.PublishRequest[arbiter.BidEvent]{
				Channel: event.AuctionID.String(),
				Message: event,
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager[arbiter.BidEvent](
		sse.WithLogger[arbiter.BidEvent](slog.Default()),
		sse.WithSubscriber[arbiter.BidEvent](consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化落盤用的group consumer
	bidSync, err := redisAdapter.NewGroupConsumer[arbiter.BidEvent](
		redisClient,
		config.Redis.StreamKeys.BidStream,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[arbiter.BidEvent](slog.Default()),
		redisAdapter.WithGroupConsumerStrictOrdering[arbiter.BidEvent](true),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid group consumer, err=%w", op, err)
	}
	settlementSync, err := redisAdapter.NewGroupConsumer[arbiter.SettlementEvent](
		redisClient,
		config.Redis.StreamKeys.SettlementStream,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[arbiter.SettlementEvent](slog.Default()),
		redisAdapter.WithGroupConsumerStrictOrdering[arbiter.SettlementEvent](true),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement group consumer, err=%w", op, err)
	}

	return &ServerImpl{
		registry:           registry,
		ledger:             ledger,
		core:               core,
		scheduler:          scheduler,
		sseManager:         sseManager,
		redisClient:        redisClient,
		bidProducer:        bidProducer,
		settlementProducer: settlementProducer,
		consumer:           consumer,
		bidSync:            bidSync,
		settlementSync:     settlementSync,
		htmlChecker:        bluemonday.UGCPolicy(),
		db:                 db,
		config:             config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "ServerImpl.Start"
	// 先啟動producer，還原代理設定時觸發的補價事件才有地方去
	impl.bidProducer.Start()
	impl.settlementProducer.Start()
	// 從資料庫還原未結束拍賣的registry和ledger
	if err := impl.rehydrate(); err != nil {
		return fmt.Errorf("[%s] Fail to rehydrate auctions, err=%w", op, err)
	}
	// 啟動consumer和sse connection manager
	impl.consumer.Start()
	impl.sseManager.Start()
	// 啟動落盤worker
	if err := impl.bidSync.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start bid group consumer, err=%w", op, err)
	}
	if err := impl.settlementSync.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start settlement group consumer, err=%w", op, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start bid persistence worker")
	impl.wg.Add(1)
	go impl.runBidPersistence(ctx)
	slog.Info("Start settlement persistence worker")
	impl.wg.Add(1)
	go impl.runSettlementPersistence(ctx)
	// 啟動排程器
	impl.scheduler.Start()
	return nil
}

func (impl *ServerImpl) Close() {
	// 停止排程器
	impl.scheduler.Close()
	// 關閉group consumer
	impl.bidSync.Close()
	impl.settlementSync.Close()
	// 關閉worker
	impl.cancelFunc()
	impl.wg.Wait()
	// 關閉producer
	impl.bidProducer.Close()
	impl.settlementProducer.Close()
	// 關閉consumer
	impl.consumer.Close()
	// 關閉sse connection manager
	impl.sseManager.Done()
}

// rehydrate 重啟後從資料庫把未結束的拍賣還原進記憶體。
// 狀態快照(價格、領先者、序號)取自auctions表，出價歷史依序號
// 重放進ledger，代理設定還原成新的agent。
func (impl *ServerImpl) rehydrate() error {
	const op = "rehydrate"
	var auctions []models.Auction
	if result := impl.db.Where("status <> ?", "closed").Find(&auctions); result.Error != nil {
		return fmt.Errorf("[%s] Fail to load auctions, err=%w", op, result.Error)
	}
	ctx := context.Background()
	for _, auction := range auctions {
		config := arbiter.Config{
			ID:           auction.ID,
			StartPrice:   auction.StartPrice,
			MinIncrement: auction.MinIncrement,
			ReservePrice: auction.ReservePrice,
			StartTime:    auction.StartTime,
			EndTime:      auction.EndTime,
		}
		state := arbiter.State{
			CurrentPrice: auction.CurrentPrice,
			Status:       restoredStatus(auction.Status),
			Sequence:     auction.LastSequence,
		}
		if state.CurrentPrice < auction.StartPrice {
			state.CurrentPrice = auction.StartPrice
		}
		if auction.LeaderID != nil {
			state.Leader = *auction.LeaderID
		}
		if err := impl.registry.Register(config, state); err != nil {
			return fmt.Errorf("[%s] Fail to register auction %s, err=%w", op, auction.ID, err)
		}

		// 依序號重放出價歷史
		var records []models.BidRecord
		if result := impl.db.Where("auction_id = ?", auction.ID).Order("sequence_number ASC").Find(&records); result.Error != nil {
			return fmt.Errorf("[%s] Fail to load bid records, err=%w", op, result.Error)
		}
		for _, record := range records {
			bid := arbiter.Bid{
				AuctionID:  record.AuctionID,
				BidderID:   record.BidderID,
				Amount:     record.Amount,
				Kind:       arbiter.BidKind(record.Kind),
				AcceptedAt: record.PlacedAt,
			}
			if _, err := impl.ledger.Append(bid, record.SequenceNumber-1); err != nil {
				return fmt.Errorf("[%s] Fail to replay bid record seq=%d, err=%w", op, record.SequenceNumber, err)
			}
		}

		// 還原代理設定
		var proxies []models.ProxyBid
		if result := impl.db.Where("auction_id = ? AND active = ?", auction.ID, true).Order("created_at ASC").Find(&proxies); result.Error != nil {
			return fmt.Errorf("[%s] Fail to load proxy bids, err=%w", op, result.Error)
		}
		for _, proxy := range proxies {
			if state.Status != arbiter.StatusActive {
				break
			}
			if err := impl.core.PlaceProxyBid(ctx, proxy.AuctionID, proxy.BidderID, proxy.Ceiling, proxy.Step); err != nil {
				// 價格已經超出上限的代理不再還原
				slog.Warn("Skip restoring proxy bid",
					slog.String("auctionID", proxy.AuctionID.String()),
					slog.String("bidderID", proxy.BidderID.String()),
					slog.Any("error", err))
			}
		}
	}
	slog.Info("Auction state rehydrated", slog.Int("auctions", len(auctions)))
	return nil
}

// restoredStatus 把資料庫的狀態字串還原成仲裁狀態。
// 重啟時撞見closing表示上次關閉沒做完，還原成Active讓排程器
// 在下一輪掃描重新發動關閉。
func restoredStatus(status string) arbiter.Status {
	switch status {
	case "active", "closing":
		return arbiter.StatusActive
	default:
		return arbiter.StatusPending
	}
}

// runBidPersistence 把stream上的出價事件寫回資料庫。
// (auction_id, sequence_number)唯一索引讓at-least-once的重送自然去重。
func (impl *ServerImpl) runBidPersistence(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "BidPersistence"))
	defer impl.wg.Done()
	defer logger.Info("Bid persistence worker stopped")
	defer impl.bidSync.Close()
	ch := impl.bidSync.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("Receive bid event")
			handleErr := impl.persistBid(msg.Data)
			if handleErr != nil {
				logger.Error("Fail to persist bid", slog.Any("error", handleErr))
				if err := msg.Fail(ctx, handleErr); err != nil {
					logger.Error("Fail to fail message", slog.Any("error", err))
				}
				continue
			}
			if err := msg.Done(ctx); err != nil {
				logger.Error("Persist success but fail to done message", slog.Any("error", err))
				if err := msg.Fail(ctx, err); err != nil {
					logger.Error("Persist success but fail to fail message", slog.Any("error", err))
				}
				continue
			}
			logger.Debug("Bid persisted")
		}
	}
}

func (impl *ServerImpl) persistBid(event arbiter.BidEvent) error {
	record := models.BidRecord{
		AuctionID:      event.AuctionID,
		SequenceNumber: event.SequenceNumber,
		BidderID:       event.LeaderID,
		Amount:         event.CurrentPrice,
		Kind:           string(event.BidKind),
		PlacedAt:       event.Timestamp,
	}
	if result := impl.db.Create(&record); result.Error != nil {
		// 重送的事件會撞上唯一索引，視為已落盤
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil
		}
		return fmt.Errorf("fail to create bid record, err=%w", result.Error)
	}

	// 更新拍賣的狀態快照，序號只往前不往後
	result := impl.db.Model(&models.Auction{}).
		Where("id = ? AND last_sequence < ?", event.AuctionID, event.SequenceNumber).
		Updates(map[string]any{
			"current_price": event.CurrentPrice,
			"leader_id":     event.LeaderID,
			"last_sequence": event.SequenceNumber,
			"status":        "active",
		})
	if result.Error != nil {
		return fmt.Errorf("fail to update auction snapshot, err=%w", result.Error)
	}
	return nil
}

// runSettlementPersistence 把結算事件寫回資料庫，拍賣標記為closed
func (impl *ServerImpl) runSettlementPersistence(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "SettlementPersistence"))
	defer impl.wg.Done()
	defer logger.Info("Settlement persistence worker stopped")
	defer impl.settlementSync.Close()
	ch := impl.settlementSync.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("Receive settlement event")
			handleErr := impl.persistSettlement(msg.Data)
			if handleErr != nil {
				logger.Error("Fail to persist settlement", slog.Any("error", handleErr))
				if err := msg.Fail(ctx, handleErr); err != nil {
					logger.Error("Fail to fail message", slog.Any("error", err))
				}
				continue
			}
			if err := msg.Done(ctx); err != nil {
				logger.Error("Persist success but fail to done message", slog.Any("error", err))
				if err := msg.Fail(ctx, err); err != nil {
					logger.Error("Persist success but fail to fail message", slog.Any("error", err))
				}
				continue
			}
			logger.Debug("Settlement persisted")
		}
	}
}

func (impl *ServerImpl) persistSettlement(event arbiter.SettlementEvent) error {
	updates := map[string]any{
		"status":      "closed",
		"final_price": event.FinalPrice,
		"settled_at":  event.ClosedAt,
	}
	if event.WinnerID != uuid.Nil {
		updates["winner_id"] = event.WinnerID
	}
	if result := impl.db.Model(&models.Auction{}).Where("id = ?", event.AuctionID).Updates(updates); result.Error != nil {
		return fmt.Errorf("fail to mark auction closed, err=%w", result.Error)
	}
	return nil
}

// RegisterRoutes 註冊所有HTTP路由
func (impl *ServerImpl) RegisterRoutes(router gin.IRouter) {
	router.POST("/auctions", impl.CreateAuction)
	router.GET("/auctions/:auctionID", impl.GetAuction)
	router.POST("/auctions/:auctionID/bids", impl.PlaceBid)
	router.POST("/auctions/:auctionID/proxy-bids", impl.PlaceProxyBid)
	router.DELETE("/auctions/:auctionID/proxy-bids/:bidderID", impl.CancelProxyBid)
	router.GET("/auctions/:auctionID/history", impl.GetHistory)
	router.GET("/auctions/:auctionID/events", impl.StreamEvents)
}

// identity 從cookie或Authorization header取出並驗證access token
func (impl *ServerImpl) identity(c *gin.Context) (*JWT, bool) {
	tokenString, err := c.Cookie("access_token")
	if err != nil || tokenString == "" {
		auth := c.GetHeader("Authorization")
		if len(auth) > 7 && auth[:7] == "Bearer " {
			tokenString = auth[7:]
		}
	}
	if tokenString == "" {
		return nil, false
	}
	opts := []jwt.ParserOption{}
	if impl.config.Auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(impl.config.Auth.Issuer))
	}
	if impl.config.Auth.Audience != "" {
		opts = append(opts, jwt.WithAudience(impl.config.Auth.Audience))
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey, opts...)
	if err != nil {
		slog.Error("Fail to parse and validate JWT", slog.Any("error", err))
		return nil, false
	}
	return token, true
}

type createAuctionRequest struct {
	Title        string     `json:"title" binding:"required"`
	Description  *string    `json:"description"`
	StartPrice   int64      `json:"startPrice"`
	MinIncrement int64      `json:"minIncrement" binding:"required"`
	ReservePrice int64      `json:"reservePrice"`
	StartTime    *time.Time `json:"startTime"`
	EndTime      time.Time  `json:"endTime" binding:"required"`
}

// CreateAuction 建立一場拍賣
// (POST /auctions)
func (impl *ServerImpl) CreateAuction(c *gin.Context) {
	const op = "CreateAuction"
	token, ok := impl.identity(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request createAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	// 處理預設值
	if request.StartTime == nil {
		request.StartTime = lo.ToPtr(time.Now())
	}
	if request.Description == nil {
		request.Description = lo.ToPtr("")
	}
	// 檢查拍賣時間是否合法
	if request.StartTime.After(request.EndTime) || request.EndTime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid auction time"})
		return
	}
	if request.StartPrice < 0 || request.MinIncrement <= 0 || request.ReservePrice < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid price configuration"})
		return
	}
	// 處理拍賣描述
	description := impl.htmlChecker.Sanitize(*request.Description)

	sellerID, err := uuid.Parse(token.Subject)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}

	auction := models.Auction{
		SellerID:     sellerID,
		Title:        request.Title,
		Description:  description,
		StartPrice:   request.StartPrice,
		MinIncrement: request.MinIncrement,
		ReservePrice: request.ReservePrice,
		StartTime:    *request.StartTime,
		EndTime:      request.EndTime,
		Status:       "pending",
		CurrentPrice: request.StartPrice,
	}
	if result := impl.db.Create(&auction); result.Error != nil {
		slog.Error("Fail to create auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}

	// 登錄進registry，排程器會在開始時間到達時啟用
	config := arbiter.Config{
		ID:           auction.ID,
		StartPrice:   auction.StartPrice,
		MinIncrement: auction.MinIncrement,
		ReservePrice: auction.ReservePrice,
		StartTime:    auction.StartTime,
		EndTime:      auction.EndTime,
	}
	state := arbiter.State{
		CurrentPrice: auction.StartPrice,
		Status:       arbiter.StatusPending,
	}
	if err := impl.registry.Register(config, state); err != nil {
		slog.Error("Fail to register auction", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Location", auction.ID.String())
	c.Status(http.StatusCreated)
}

// GetAuction 取得拍賣的設定、當前狀態和最近的出價
// (GET /auctions/{auctionID})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	config, err := impl.registry.Config(auctionID)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	state, err := impl.registry.State(auctionID)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	auction := models.Auction{ID: auctionID}
	if result := impl.db.First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}

	history := impl.ledger.History(auctionID, 50)
	records := make([]gin.H, len(history))
	for i, bid := range history {
		records[i] = gin.H{
			"sequenceNumber": bid.Sequence,
			"bidderId":       bid.BidderID,
			"amount":         bid.Amount,
			"kind":           bid.Kind,
			"acceptedAt":     bid.AcceptedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             auctionID,
		"title":          auction.Title,
		"description":    auction.Description,
		"startPrice":     config.StartPrice,
		"minIncrement":   config.MinIncrement,
		"startTime":      config.StartTime,
		"endTime":        config.EndTime,
		"status":         state.Status,
		"currentPrice":   state.CurrentPrice,
		"leaderId":       state.Leader,
		"sequenceNumber": state.Sequence,
		"bidRecords":     records,
	})
}

type placeBidRequest struct {
	IncrementAmount int64  `json:"incrementAmount" binding:"required"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

// PlaceBid 手動出價
// (POST /auctions/{auctionID}/bids)
//
// 出價金額由伺服器以「目前價格+增額」計算，客戶端只送增額，
// 避免瀏覽器上過期的絕對金額造成誤出價。
func (impl *ServerImpl) PlaceBid(c *gin.Context) {
	const op = "PlaceBid"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token, ok := impl.identity(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request placeBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	state, err := impl.registry.State(auctionID)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	bidderID, err := uuid.Parse(token.Subject)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	intent := arbiter.Intent{
		AuctionID:      auctionID,
		BidderID:       bidderID,
		Amount:         state.CurrentPrice + request.IncrementAmount,
		Kind:           arbiter.BidKindManual,
		IdempotencyKey: request.IdempotencyKey,
	}
	receipt, err := impl.core.SubmitBid(c.Request.Context(), intent)
	if err != nil {
		impl.renderBidError(c, op, err)
		return
	}
	slog.Info("Higher bid occurs",
		slog.String("user", token.Subject),
		slog.Int64("bid", receipt.Amount),
		slog.String("auctionID", auctionID.String()))
	c.JSON(http.StatusAccepted, gin.H{
		"sequenceNumber": receipt.Sequence,
		"amount":         receipt.Amount,
		"acceptedAt":     receipt.AcceptedAt,
	})
}

type placeProxyBidRequest struct {
	Ceiling int64 `json:"ceiling" binding:"required"`
	Step    int64 `json:"step" binding:"required"`
}

// PlaceProxyBid 設定代理出價
// (POST /auctions/{auctionID}/proxy-bids)
func (impl *ServerImpl) PlaceProxyBid(c *gin.Context) {
	const op = "PlaceProxyBid"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token, ok := impl.identity(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request placeProxyBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	bidderID, err := uuid.Parse(token.Subject)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	if err := impl.core.PlaceProxyBid(c.Request.Context(), auctionID, bidderID, request.Ceiling, request.Step); err != nil {
		impl.renderBidError(c, op, err)
		return
	}

	// 持久化代理設定，重啟後還原
	proxy := models.ProxyBid{}
	result := impl.db.Where("auction_id = ? AND bidder_id = ?", auctionID, bidderID).First(&proxy)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		slog.Error("Fail to load proxy bid", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		proxy = models.ProxyBid{
			AuctionID: auctionID,
			BidderID:  bidderID,
			Ceiling:   request.Ceiling,
			Step:      request.Step,
			Active:    true,
		}
		if result := impl.db.Create(&proxy); result.Error != nil {
			slog.Error("Fail to create proxy bid", slog.String("op", op), slog.Any("error", result.Error))
			c.Status(http.StatusInternalServerError)
			return
		}
	} else {
		proxy.Ceiling = request.Ceiling
		proxy.Step = request.Step
		proxy.Active = true
		if result := impl.db.Save(&proxy); result.Error != nil {
			slog.Error("Fail to update proxy bid", slog.String("op", op), slog.Any("error", result.Error))
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	c.Status(http.StatusCreated)
}

// CancelProxyBid 取消代理出價，只有本人能取消
// (DELETE /auctions/{auctionID}/proxy-bids/{bidderID})
func (impl *ServerImpl) CancelProxyBid(c *gin.Context) {
	const op = "CancelProxyBid"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	bidderID, err := uuid.Parse(c.Param("bidderID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token, ok := impl.identity(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	if token.Subject != bidderID.String() {
		c.Status(http.StatusForbidden)
		return
	}

	if err := impl.core.CancelProxyBid(auctionID, bidderID); err != nil {
		impl.renderBidError(c, op, err)
		return
	}
	result := impl.db.Model(&models.ProxyBid{}).
		Where("auction_id = ? AND bidder_id = ?", auctionID, bidderID).
		Update("active", false)
	if result.Error != nil {
		slog.Error("Fail to deactivate proxy bid", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetHistory 取得出價歷史，最新的在最前面
// (GET /auctions/{auctionID}/history)
func (impl *ServerImpl) GetHistory(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	if _, err := impl.registry.Config(auctionID); err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid limit"})
			return
		}
		limit = parsed
	}
	history := impl.ledger.History(auctionID, limit)
	records := make([]gin.H, len(history))
	for i, bid := range history {
		records[i] = gin.H{
			"sequenceNumber": bid.Sequence,
			"bidderId":       bid.BidderID,
			"amount":         bid.Amount,
			"kind":           bid.Kind,
			"acceptedAt":     bid.AcceptedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":      len(records),
		"bidRecords": records,
	})
}

// StreamEvents 追蹤拍賣的即時出價事件
// (GET /auctions/{auctionID}/events)
func (impl *ServerImpl) StreamEvents(c *gin.Context) {
	const op = "StreamEvents"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	config, err := impl.registry.Config(auctionID)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	// 開始前5分鐘開放連線
	if time.Now().Before(config.StartTime.Add(-5 * time.Minute)) {
		c.JSON(http.StatusForbidden, gin.H{"message": "Auction has not started"})
		return
	}
	state, err := impl.registry.State(auctionID)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	if state.Status == arbiter.StatusClosed {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(auctionID.String())
	if err != nil {
		slog.Error("Fail to subscribe to auction events", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
LOOP:
	for {
		select {
		case <-w.CloseNotify():
			impl.sseManager.Unsubscribe(auctionID.String(), ch)
			break LOOP
		case event := <-ch:
			c.SSEvent("bid", event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和中間的proxy不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// renderBidError 把仲裁錯誤映射成HTTP狀態碼
func (impl *ServerImpl) renderBidError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, arbiter.ErrAuctionNotFound), errors.Is(err, arbiter.ErrProxyNotFound):
		c.Status(http.StatusNotFound)
	case errors.Is(err, arbiter.ErrInsufficientIncrement):
		c.JSON(http.StatusBadRequest, gin.H{"message": "Bid below required increment"})
	case errors.Is(err, arbiter.ErrSelfOutbid):
		c.JSON(http.StatusForbidden, gin.H{"message": "Already the leading bidder"})
	case errors.Is(err, arbiter.ErrProxyActive):
		c.JSON(http.StatusForbidden, gin.H{"message": "Manual bidding is disabled while a proxy agent is active"})
	case errors.Is(err, arbiter.ErrAuctionNotActive):
		c.JSON(http.StatusConflict, gin.H{"message": "Auction is not accepting bids"})
	case errors.Is(err, arbiter.ErrArbitrationTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Arbitration contention, please retry"})
	default:
		slog.Error("Unexpected arbitration error", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
	}
}
