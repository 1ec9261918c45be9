package domain

import (
	"fmt"
	"sort"
	"time"
)

// Direction 信号方向
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite 返回相反方向
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Sign 方向符号：LONG=+1, SHORT=-1，用于盈亏计算
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// OrderSide 交易所订单方向
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Side 方向对应的开仓订单方向
func (d Direction) Side() OrderSide {
	if d == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide 方向对应的平仓订单方向（反向）
func (d Direction) CloseSide() OrderSide {
	if d == DirectionShort {
		return SideBuy
	}
	return SideSell
}

// SignalStatus 信号生命周期状态
type SignalStatus string

const (
	SignalStatusPending  SignalStatus = "pending"
	SignalStatusApproved SignalStatus = "approved"
	SignalStatusExecuted SignalStatus = "executed"
	SignalStatusFailed   SignalStatus = "failed"
	SignalStatusIgnored  SignalStatus = "ignored"
)

// PositionStatus 仓位状态，单调推进：open → partially_closed → closed
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
)

// Signal 结构化交易信号，由上游消息解析器产生，核心只修改状态和方向纠偏
type Signal struct {
	ID               string       `json:"id"`
	ChannelID        string       `json:"channel_id"`
	Coin             string       `json:"coin"`
	Direction        Direction    `json:"direction"`
	EntryPrice       float64      `json:"entry_price"`
	Leverage         int          `json:"leverage"`
	TakeProfitLevels []float64    `json:"take_profit_levels"`
	StopLoss         float64      `json:"stop_loss"`
	Confidence       float64      `json:"confidence"`
	Status           SignalStatus `json:"status"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Validate 边界校验：入队前检查必填字段，后续逻辑不再做字段存在性判断
func (s Signal) Validate() error {
	if s.Coin == "" {
		return fmt.Errorf("signal %s: coin is required", s.ID)
	}
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return fmt.Errorf("signal %s: direction must be LONG or SHORT, got %q", s.ID, s.Direction)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal %s: entry price must be positive", s.ID)
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("signal %s: stop loss must be positive", s.ID)
	}
	if len(s.TakeProfitLevels) == 0 {
		return fmt.Errorf("signal %s: at least one take profit level is required", s.ID)
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("signal %s: leverage must be positive", s.ID)
	}
	return nil
}

// Executable 是否处于可执行状态（幂等检查用）
func (s Signal) Executable() bool {
	return s.Status == SignalStatusPending || s.Status == SignalStatusApproved
}

// Position 仓位记录，每个成功确认的入场订单恰好创建一条
type Position struct {
	ID               string         `json:"id"`
	SignalID         string         `json:"signal_id"`
	ChannelID        string         `json:"channel_id"`
	AccountID        string         `json:"account_id"`
	Symbol           string         `json:"symbol"`
	Direction        Direction      `json:"direction"`
	Quantity         float64        `json:"quantity"`          // 当前剩余数量，只减不增
	OriginalQuantity float64        `json:"original_quantity"` // 开仓时的原始数量
	EntryPrice       float64        `json:"entry_price"`
	Leverage         int            `json:"leverage"`
	StopLoss         float64        `json:"stop_loss"`
	TakeProfitLevels []float64      `json:"take_profit_levels"`
	ClosePercents    []float64      `json:"close_percents"` // 各止盈档位的平仓百分比
	Status           PositionStatus `json:"status"`
	CurrentPrice     float64        `json:"current_price"`
	UnrealizedPnl    float64        `json:"unrealized_pnl"`
	RealizedPnl      float64        `json:"realized_pnl"`
	Fees             float64        `json:"fees"`
	EntryOrderID     string         `json:"entry_order_id"`
	StopOrderID      string         `json:"stop_order_id,omitempty"`
	OpenedAt         time.Time      `json:"opened_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Open 仓位是否仍有未平部分
func (p Position) Open() bool {
	return p.Status != PositionStatusClosed
}

// OrderedTakeProfits 按对仓位有利的触发顺序返回止盈档位：多头升序，空头降序
func (p Position) OrderedTakeProfits() []float64 {
	levels := make([]float64, len(p.TakeProfitLevels))
	copy(levels, p.TakeProfitLevels)
	if p.Direction == DirectionLong {
		sort.Float64s(levels)
	} else {
		sort.Sort(sort.Reverse(sort.Float64Slice(levels)))
	}
	return levels
}

// Account 渠道子账户的资金快照（由外部系统维护，核心读取并回写盈亏）
type Account struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	Balance       float64   `json:"balance"`
	MarginRatio   float64   `json:"margin_ratio"`
	RealizedPnl   float64   `json:"realized_pnl"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Channel 信号来源渠道及其执行配置
type Channel struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	AccountID        string    `json:"account_id"`
	Active           bool      `json:"active"`
	Paused           bool      `json:"paused"`
	MaxOpenPositions int       `json:"max_open_positions"`
	ClosePercents    []float64 `json:"close_percents"` // 止盈分批比例，如 25/25/50
	CreatedAt        time.Time `json:"created_at"`
}

// TaskStatus 执行任务状态机：queued → running → completed|failed
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// ExecutionTask 持久化 FIFO 准入队列中的一项
type ExecutionTask struct {
	ID        int64      `json:"id"`
	SignalID  string     `json:"signal_id"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
