package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"signal_trader/internal/domain"
)

// Enqueue 将信号追加到持久化准入队列尾部
func (r *SQLiteRepository) Enqueue(ctx context.Context, signalID string) (domain.ExecutionTask, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(
		ctx,
		`INSERT INTO exec_queue (signal_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		signalID,
		string(domain.TaskStatusQueued),
		now,
		now,
	)
	if err != nil {
		return domain.ExecutionTask{}, fmt.Errorf("enqueue signal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ExecutionTask{}, fmt.Errorf("enqueue signal id: %w", err)
	}
	return domain.ExecutionTask{
		ID:        id,
		SignalID:  signalID,
		Status:    domain.TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// DequeueNext 原子弹出队首：在单事务内选中最早的 queued 项并置为 running。
// 队列为空返回 (nil, nil)。多实例共用一个库时这里没有分布式锁，依赖单实例部署
func (r *SQLiteRepository) DequeueNext(ctx context.Context) (*domain.ExecutionTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer tx.Rollback()

	var task domain.ExecutionTask
	var status string
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, signal_id, status, created_at, updated_at FROM exec_queue
		 WHERE status = 'queued' ORDER BY id ASC LIMIT 1`,
	).Scan(&task.ID, &task.SignalID, &status, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("peek queue: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE exec_queue SET status = 'running', updated_at = ? WHERE id = ? AND status = 'queued'`,
		now,
		task.ID,
	); err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}

	task.Status = domain.TaskStatusRunning
	task.UpdatedAt = now
	return &task, nil
}

// FinishTask 终结任务：completed 或 failed
func (r *SQLiteRepository) FinishTask(ctx context.Context, taskID int64, status domain.TaskStatus, errMsg string) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE exec_queue SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status),
		nullableString(errMsg),
		time.Now().UTC(),
		taskID,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

// RequeueRunningTasks 启动时把上次崩溃遗留的 running 项放回队列
func (r *SQLiteRepository) RequeueRunningTasks(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE exec_queue SET status = 'queued', updated_at = ? WHERE status = 'running'`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueDepth 当前等待执行的任务数
func (r *SQLiteRepository) QueueDepth(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exec_queue WHERE status = 'queued'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return count, nil
}
