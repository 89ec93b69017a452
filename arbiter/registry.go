package arbiter

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry 保存每個拍賣的靜態設定和當前可變狀態，
// 是其他元件讀寫拍賣資料的唯一來源。
// 狀態只能透過 CompareAndSwap 更新，避免並發出價下的 lost update。
type Registry struct {
	mu       sync.RWMutex
	auctions map[uuid.UUID]*registryEntry
}

type registryEntry struct {
	mu     sync.Mutex
	config Config
	state  State
}

// NewRegistry 建立一個空的 Registry
func NewRegistry() *Registry {
	return &Registry{
		auctions: make(map[uuid.UUID]*registryEntry),
	}
}

// Register 將拍賣登錄進 Registry。
// 初始狀態由呼叫者決定(Pending 或 Active)，價格從 StartPrice 開始。
// 重複登錄同一個拍賣會直接覆蓋舊的紀錄，用於重啟後的狀態重建。
func (r *Registry) Register(config Config, state State) error {
	const op = "Registry.Register"
	if config.ID == uuid.Nil {
		return fmt.Errorf("[%s] auction id cannot be empty", op)
	}
	if config.MinIncrement <= 0 {
		return fmt.Errorf("[%s] minIncrement must be positive", op)
	}
	if state.CurrentPrice < config.StartPrice {
		return fmt.Errorf("[%s] currentPrice cannot be below startPrice", op)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.auctions[config.ID] = &registryEntry{
		config: config,
		state:  state,
	}
	return nil
}

// Config 取得拍賣的靜態設定
func (r *Registry) Config(auctionID uuid.UUID) (Config, error) {
	entry, err := r.entry(auctionID)
	if err != nil {
		return Config{}, err
	}
	return entry.config, nil
}

// State 取得拍賣當前狀態的快照
func (r *Registry) State(auctionID uuid.UUID) (State, error) {
	entry, err := r.entry(auctionID)
	if err != nil {
		return State{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, nil
}

// CompareAndSwap 是唯一的狀態變更路徑。
// expected 的 Sequence 和 Status 都必須與當前狀態相符，否則回傳 ErrConflict。
// Status 也要比對是為了避免出價和關閉拍賣在同一個序號上交錯，
// 導致狀態轉換被並發出價覆蓋回去。
func (r *Registry) CompareAndSwap(auctionID uuid.UUID, expected, next State) error {
	const op = "Registry.CompareAndSwap"
	entry, err := r.entry(auctionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.Sequence != expected.Sequence || entry.state.Status != expected.Status {
		return fmt.Errorf("[%s] expected seq=%d status=%s, current seq=%d status=%s: %w",
			op, expected.Sequence, expected.Status, entry.state.Sequence, entry.state.Status, ErrConflict)
	}
	entry.state = next
	return nil
}

// List 回傳所有已登錄拍賣的設定快照，順序不固定。
// 給排程器掃描用。
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	configs := make([]Config, 0, len(r.auctions))
	for _, entry := range r.auctions {
		configs = append(configs, entry.config)
	}
	return configs
}

func (r *Registry) entry(auctionID uuid.UUID) (*registryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.auctions[auctionID]
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return entry, nil
}
