package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signal_trader/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

type Repository interface {
	Init(ctx context.Context) error
	Close() error

	// Signals
	CreateSignal(ctx context.Context, sig domain.Signal) error
	GetSignal(ctx context.Context, id string) (domain.Signal, error)
	ListSignals(ctx context.Context, limit int) ([]domain.Signal, error)
	UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus, errMsg string) error
	UpdateSignalDirection(ctx context.Context, id string, direction domain.Direction) error

	// Positions
	CreatePosition(ctx context.Context, pos domain.Position) error
	GetPosition(ctx context.Context, id string) (domain.Position, error)
	UpdatePosition(ctx context.Context, pos domain.Position) error
	FindOpenPositions(ctx context.Context, channelID string) ([]domain.Position, error)
	ListPositions(ctx context.Context, limit int) ([]domain.Position, error)

	// Accounts / Channels
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	UpsertAccount(ctx context.Context, acc domain.Account) error
	GetChannel(ctx context.Context, id string) (domain.Channel, error)
	UpsertChannel(ctx context.Context, ch domain.Channel) error

	// 持久化 FIFO 准入队列
	Enqueue(ctx context.Context, signalID string) (domain.ExecutionTask, error)
	DequeueNext(ctx context.Context) (*domain.ExecutionTask, error)
	FinishTask(ctx context.Context, taskID int64, status domain.TaskStatus, errMsg string) error
	RequeueRunningTasks(ctx context.Context) (int, error)
	QueueDepth(ctx context.Context) (int, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 单连接：DequeueNext 的事务弹出依赖串行访问
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			coin TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL,
			leverage INTEGER NOT NULL,
			take_profit_levels TEXT NOT NULL,
			stop_loss REAL NOT NULL,
			confidence REAL NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			signal_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			quantity REAL NOT NULL,
			original_quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			leverage INTEGER NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit_levels TEXT NOT NULL,
			close_percents TEXT NOT NULL,
			status TEXT NOT NULL,
			current_price REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			fees REAL NOT NULL DEFAULT 0,
			entry_order_id TEXT NOT NULL,
			stop_order_id TEXT,
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (signal_id) REFERENCES signals(id)
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			balance REAL NOT NULL DEFAULT 0,
			margin_ratio REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			account_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			paused INTEGER NOT NULL DEFAULT 0,
			max_open_positions INTEGER NOT NULL DEFAULT 0,
			close_percents TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS exec_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (signal_id) REFERENCES signals(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_channel ON positions(channel_id);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON exec_queue(status, id);`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// ==================== Signals ====================

func (r *SQLiteRepository) CreateSignal(ctx context.Context, sig domain.Signal) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO signals (id, channel_id, coin, direction, entry_price, leverage, take_profit_levels, stop_loss, confidence, status, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID,
		sig.ChannelID,
		sig.Coin,
		string(sig.Direction),
		sig.EntryPrice,
		sig.Leverage,
		marshalFloats(sig.TakeProfitLevels),
		sig.StopLoss,
		sig.Confidence,
		string(sig.Status),
		nullableString(sig.ErrorMessage),
		sig.CreatedAt.UTC(),
		sig.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSignal(ctx context.Context, id string) (domain.Signal, error) {
	var sig domain.Signal
	var direction, status, levels string
	var errMsg sql.NullString

	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, channel_id, coin, direction, entry_price, leverage, take_profit_levels, stop_loss, confidence, status, error_message, created_at, updated_at
		 FROM signals WHERE id = ?`,
		id,
	).Scan(&sig.ID, &sig.ChannelID, &sig.Coin, &direction, &sig.EntryPrice, &sig.Leverage, &levels,
		&sig.StopLoss, &sig.Confidence, &status, &errMsg, &sig.CreatedAt, &sig.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sig, fmt.Errorf("signal %s: %w", id, ErrNotFound)
		}
		return sig, fmt.Errorf("query signal: %w", err)
	}

	sig.Direction = domain.Direction(direction)
	sig.Status = domain.SignalStatus(status)
	sig.TakeProfitLevels = unmarshalFloats(levels)
	if errMsg.Valid {
		sig.ErrorMessage = errMsg.String
	}
	return sig, nil
}

// ListSignals 按创建时间倒序返回最近的信号
func (r *SQLiteRepository) ListSignals(ctx context.Context, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, channel_id, coin, direction, entry_price, leverage, take_profit_levels, stop_loss, confidence, status, error_message, created_at, updated_at
		 FROM signals ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	signals := make([]domain.Signal, 0)
	for rows.Next() {
		var sig domain.Signal
		var direction, status, levels string
		var errMsg sql.NullString
		if err := rows.Scan(&sig.ID, &sig.ChannelID, &sig.Coin, &direction, &sig.EntryPrice, &sig.Leverage,
			&levels, &sig.StopLoss, &sig.Confidence, &status, &errMsg, &sig.CreatedAt, &sig.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Direction = domain.Direction(direction)
		sig.Status = domain.SignalStatus(status)
		sig.TakeProfitLevels = unmarshalFloats(levels)
		if errMsg.Valid {
			sig.ErrorMessage = errMsg.String
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func (r *SQLiteRepository) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus, errMsg string) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE signals SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status),
		nullableString(errMsg),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update signal status: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateSignalDirection(ctx context.Context, id string, direction domain.Direction) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE signals SET direction = ?, updated_at = ? WHERE id = ?`,
		string(direction),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update signal direction: %w", err)
	}
	return nil
}

// ==================== Positions ====================

func (r *SQLiteRepository) CreatePosition(ctx context.Context, pos domain.Position) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO positions (id, signal_id, channel_id, account_id, symbol, direction, quantity, original_quantity,
		  entry_price, leverage, stop_loss, take_profit_levels, close_percents, status, current_price,
		  unrealized_pnl, realized_pnl, fees, entry_order_id, stop_order_id, opened_at, closed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID,
		pos.SignalID,
		pos.ChannelID,
		pos.AccountID,
		pos.Symbol,
		string(pos.Direction),
		pos.Quantity,
		pos.OriginalQuantity,
		pos.EntryPrice,
		pos.Leverage,
		pos.StopLoss,
		marshalFloats(pos.TakeProfitLevels),
		marshalFloats(pos.ClosePercents),
		string(pos.Status),
		pos.CurrentPrice,
		pos.UnrealizedPnl,
		pos.RealizedPnl,
		pos.Fees,
		pos.EntryOrderID,
		nullableString(pos.StopOrderID),
		pos.OpenedAt.UTC(),
		nullableTime(pos.ClosedAt),
		pos.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`,
		id,
	)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pos, fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return pos, fmt.Errorf("query position: %w", err)
	}
	return pos, nil
}

func (r *SQLiteRepository) UpdatePosition(ctx context.Context, pos domain.Position) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE positions SET quantity = ?, status = ?, current_price = ?, unrealized_pnl = ?, realized_pnl = ?,
		  fees = ?, stop_loss = ?, stop_order_id = ?, closed_at = ?, updated_at = ?
		 WHERE id = ?`,
		pos.Quantity,
		string(pos.Status),
		pos.CurrentPrice,
		pos.UnrealizedPnl,
		pos.RealizedPnl,
		pos.Fees,
		pos.StopLoss,
		nullableString(pos.StopOrderID),
		nullableTime(pos.ClosedAt),
		time.Now().UTC(),
		pos.ID,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

// FindOpenPositions 查询未完全平仓的仓位，channelID 为空则跨渠道
func (r *SQLiteRepository) FindOpenPositions(ctx context.Context, channelID string) ([]domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status != 'closed'`
	args := []any{}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY opened_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.Position, 0)
	for rows.Next() {
		pos, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan position: %w", scanErr)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// ListPositions 按开仓时间倒序返回最近的仓位（含已平仓）
func (r *SQLiteRepository) ListPositions(ctx context.Context, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY opened_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.Position, 0)
	for rows.Next() {
		pos, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan position: %w", scanErr)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

const positionColumns = `id, signal_id, channel_id, account_id, symbol, direction, quantity, original_quantity,
	entry_price, leverage, stop_loss, take_profit_levels, close_percents, status, current_price,
	unrealized_pnl, realized_pnl, fees, entry_order_id, stop_order_id, opened_at, closed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var pos domain.Position
	var direction, status, levels, percents string
	var stopOrderID sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(&pos.ID, &pos.SignalID, &pos.ChannelID, &pos.AccountID, &pos.Symbol, &direction,
		&pos.Quantity, &pos.OriginalQuantity, &pos.EntryPrice, &pos.Leverage, &pos.StopLoss,
		&levels, &percents, &status, &pos.CurrentPrice, &pos.UnrealizedPnl, &pos.RealizedPnl,
		&pos.Fees, &pos.EntryOrderID, &stopOrderID, &pos.OpenedAt, &closedAt, &pos.UpdatedAt)
	if err != nil {
		return pos, err
	}

	pos.Direction = domain.Direction(direction)
	pos.Status = domain.PositionStatus(status)
	pos.TakeProfitLevels = unmarshalFloats(levels)
	pos.ClosePercents = unmarshalFloats(percents)
	if stopOrderID.Valid {
		pos.StopOrderID = stopOrderID.String
	}
	if closedAt.Valid {
		t := closedAt.Time
		pos.ClosedAt = &t
	}
	return pos, nil
}

// ==================== Accounts / Channels ====================

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var acc domain.Account
	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, channel_id, balance, margin_ratio, realized_pnl, unrealized_pnl, updated_at FROM accounts WHERE id = ?`,
		id,
	).Scan(&acc.ID, &acc.ChannelID, &acc.Balance, &acc.MarginRatio, &acc.RealizedPnl, &acc.UnrealizedPnl, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acc, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return acc, fmt.Errorf("query account: %w", err)
	}
	return acc, nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, channel_id, balance, margin_ratio, realized_pnl, unrealized_pnl, updated_at FROM accounts ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		var acc domain.Account
		if err := rows.Scan(&acc.ID, &acc.ChannelID, &acc.Balance, &acc.MarginRatio, &acc.RealizedPnl, &acc.UnrealizedPnl, &acc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (r *SQLiteRepository) UpsertAccount(ctx context.Context, acc domain.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, channel_id, balance, margin_ratio, realized_pnl, unrealized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance        = excluded.balance,
			margin_ratio   = excluded.margin_ratio,
			realized_pnl   = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at     = excluded.updated_at
	`, acc.ID, acc.ChannelID, acc.Balance, acc.MarginRatio, acc.RealizedPnl, acc.UnrealizedPnl, acc.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetChannel(ctx context.Context, id string) (domain.Channel, error) {
	var ch domain.Channel
	var active, paused int
	var percents string
	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, name, account_id, active, paused, max_open_positions, close_percents, created_at FROM channels WHERE id = ?`,
		id,
	).Scan(&ch.ID, &ch.Name, &ch.AccountID, &active, &paused, &ch.MaxOpenPositions, &percents, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ch, fmt.Errorf("channel %s: %w", id, ErrNotFound)
		}
		return ch, fmt.Errorf("query channel: %w", err)
	}
	ch.Active = active == 1
	ch.Paused = paused == 1
	ch.ClosePercents = unmarshalFloats(percents)
	return ch, nil
}

func (r *SQLiteRepository) UpsertChannel(ctx context.Context, ch domain.Channel) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, account_id, active, paused, max_open_positions, close_percents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name               = excluded.name,
			account_id         = excluded.account_id,
			active             = excluded.active,
			paused             = excluded.paused,
			max_open_positions = excluded.max_open_positions,
			close_percents     = excluded.close_percents
	`, ch.ID, ch.Name, ch.AccountID, boolToInt(ch.Active), boolToInt(ch.Paused), ch.MaxOpenPositions,
		marshalFloats(ch.ClosePercents), ch.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// ==================== helpers ====================

func marshalFloats(v []float64) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalFloats(s string) []float64 {
	if s == "" {
		return nil
	}
	var out []float64
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
