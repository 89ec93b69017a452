package arbiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"subasta/arbiter"
)

// fakeLocker 記錄鎖的取得與釋放，測試用
type fakeLocker struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (l *fakeLocker) Lock(ctx context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return ctx, nil
}

func (l *fakeLocker) Unlock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return true, nil
}

func TestScheduler_Sweep(t *testing.T) {
	fixture := setupCore(t)
	ctx := context.Background()

	// 到達開始時間的 Pending 拍賣
	dueToStart := uuid.New()
	require.NoError(t, fixture.registry.Register(
		arbiter.Config{
			ID:           dueToStart,
			StartPrice:   100,
			MinIncrement: 10,
			StartTime:    time.Now().Add(-time.Minute),
			EndTime:      time.Now().Add(time.Hour),
		},
		arbiter.State{CurrentPrice: 100, Status: arbiter.StatusPending},
	))
	// 到達結束時間的 Active 拍賣
	dueToEnd := fixture.registerAuction(t, 100, 10, 0)
	config, err := fixture.registry.Config(dueToEnd)
	require.NoError(t, err)
	config.EndTime = time.Now().Add(-time.Minute)
	state, err := fixture.registry.State(dueToEnd)
	require.NoError(t, err)
	require.NoError(t, fixture.registry.Register(config, state))
	// 還沒到時間的 Pending 拍賣
	notDue := uuid.New()
	require.NoError(t, fixture.registry.Register(
		arbiter.Config{
			ID:           notDue,
			StartPrice:   100,
			MinIncrement: 10,
			StartTime:    time.Now().Add(time.Hour),
			EndTime:      time.Now().Add(2 * time.Hour),
		},
		arbiter.State{CurrentPrice: 100, Status: arbiter.StatusPending},
	))

	locker := &fakeLocker{}
	scheduler, err := arbiter.NewScheduler(fixture.core, fixture.registry,
		func(key string) arbiter.Locker { return locker })
	require.NoError(t, err)

	scheduler.Sweep(ctx)

	assertStatus := func(id uuid.UUID, want arbiter.Status) {
		state, err := fixture.registry.State(id)
		require.NoError(t, err)
		assert.Equal(t, want, state.Status)
	}
	assertStatus(dueToStart, arbiter.StatusActive)
	assertStatus(dueToEnd, arbiter.StatusClosed)
	assertStatus(notDue, arbiter.StatusPending)

	// 每次轉換都在鎖的保護下執行
	assert.Equal(t, 2, locker.acquired)
	assert.Equal(t, 2, locker.released)

	// 關閉的拍賣發出了終結事件
	assert.Len(t, fixture.notifier.Settlements(), 1)
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	fixture := setupCore(t)
	scheduler, err := arbiter.NewScheduler(fixture.core, fixture.registry, nil,
		arbiter.WithSchedulerInterval(10*time.Millisecond))
	require.NoError(t, err)

	scheduler.Start()
	time.Sleep(30 * time.Millisecond)
	scheduler.Close()
}
