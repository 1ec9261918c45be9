package store

import (
	"context"
	"testing"
	"time"

	"signal_trader/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func TestQueueFIFO(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"sig-a", "sig-b", "sig-c"} {
		_, err := repo.Enqueue(ctx, id)
		require.NoError(t, err)
	}

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	// 按入队顺序弹出
	for _, want := range []string{"sig-a", "sig-b", "sig-c"} {
		task, err := repo.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, want, task.SignalID)
		assert.Equal(t, domain.TaskStatusRunning, task.Status)
	}

	// 队列空时返回 (nil, nil)
	task, err := repo.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestQueueDequeueClaimsAtomically(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, "sig-1")
	require.NoError(t, err)

	first, err := repo.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// 已被占用，再次弹出拿不到
	second, err := repo.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestQueueFinishTask(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, "sig-1")
	require.NoError(t, err)

	task, err := repo.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, repo.FinishTask(ctx, task.ID, domain.TaskStatusFailed, "boom"))

	// 已终结的任务不会被崩溃回收重新入队
	n, err := repo.RequeueRunningTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// 崩溃恢复：running 项回到队列且保持原有顺序
func TestQueueRequeueRunningTasks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, "sig-1")
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, "sig-2")
	require.NoError(t, err)

	task, err := repo.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "sig-1", task.SignalID)

	n, err := repo.RequeueRunningTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 回收后 sig-1 仍排在 sig-2 前面
	task, err = repo.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "sig-1", task.SignalID)
}

func TestSignalRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sig := domain.Signal{
		ID:               "sig-rt",
		ChannelID:        "ch-1",
		Coin:             "BTC",
		Direction:        domain.DirectionLong,
		EntryPrice:       60000,
		Leverage:         5,
		TakeProfitLevels: []float64{62000, 64000, 68000},
		StopLoss:         58500,
		Confidence:       0.85,
		Status:           domain.SignalStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.CreateSignal(ctx, sig))

	got, err := repo.GetSignal(ctx, "sig-rt")
	require.NoError(t, err)
	assert.Equal(t, sig.Direction, got.Direction)
	assert.Equal(t, sig.TakeProfitLevels, got.TakeProfitLevels)
	assert.Equal(t, sig.Status, got.Status)

	require.NoError(t, repo.UpdateSignalStatus(ctx, "sig-rt", domain.SignalStatusExecuted, ""))
	got, err = repo.GetSignal(ctx, "sig-rt")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalStatusExecuted, got.Status)
	assert.False(t, got.Executable())
}

func TestGetSignalNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetSignal(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPositionRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	pos := domain.Position{
		ID:               "pos-rt",
		SignalID:         "sig-rt",
		ChannelID:        "ch-1",
		AccountID:        "acc-1",
		Symbol:           "BTC-USDT",
		Direction:        domain.DirectionLong,
		Quantity:         0.008,
		OriginalQuantity: 0.008,
		EntryPrice:       60000,
		Leverage:         5,
		StopLoss:         58500,
		TakeProfitLevels: []float64{62000, 64000},
		ClosePercents:    []float64{50, 50},
		Status:           domain.PositionStatusOpen,
		CurrentPrice:     60000,
		EntryOrderID:     "1001",
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.CreatePosition(ctx, pos))

	open, err := repo.FindOpenPositions(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, pos.ClosePercents, open[0].ClosePercents)

	// 平仓后不再出现在未平仓查询里
	closedAt := now.Add(time.Hour)
	pos.Quantity = 0
	pos.Status = domain.PositionStatusClosed
	pos.ClosedAt = &closedAt
	require.NoError(t, repo.UpdatePosition(ctx, pos))

	open, err = repo.FindOpenPositions(ctx, "ch-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := repo.ListPositions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.PositionStatusClosed, all[0].Status)
	require.NotNil(t, all[0].ClosedAt)
}
