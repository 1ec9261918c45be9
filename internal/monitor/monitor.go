package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signal_trader/internal/bus"
	"signal_trader/internal/config"
	"signal_trader/internal/domain"
	"signal_trader/internal/exchange"
	"signal_trader/internal/store"

	"github.com/google/uuid"
)

// Monitor 仓位生命周期管理器：轮询价格、评估出场条件、执行平仓与对账
type Monitor struct {
	repo   store.Repository
	client exchange.API
	bus    *bus.Bus
	cfg    config.Config

	busy     atomic.Bool // 轮询重入保护
	stop     chan struct{}
	watchers sync.Map // positionID → context.CancelFunc（保本观察器）
	wg       sync.WaitGroup

	mu      sync.Mutex
	tpIndex map[string]int // positionID → 下一个待评估的止盈档位序号
}

func New(repo store.Repository, client exchange.API, b *bus.Bus, cfg config.Config) *Monitor {
	return &Monitor{
		repo:    repo,
		client:  client,
		bus:     b,
		cfg:     cfg,
		stop:    make(chan struct{}),
		tpIndex: make(map[string]int),
	}
}

// Start 启动价格轮询
func (m *Monitor) Start() {
	interval := time.Duration(m.cfg.PricePollSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log.Printf("[监控] 仓位监控已启动 轮询间隔=%s", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.poll()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop 停止轮询并取消所有保本观察器
func (m *Monitor) Stop() {
	close(m.stop)
	m.watchers.Range(func(key, value any) bool {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
		return true
	})
	m.wg.Wait()
	log.Println("[监控] 仓位监控已停止")
}

// poll 一轮价格检查。上一轮未结束时整轮跳过
func (m *Monitor) poll() {
	if !m.busy.CompareAndSwap(false, true) {
		log.Println("[监控] ⚠ 上一轮轮询未结束，本轮跳过")
		return
	}
	defer m.busy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	positions, err := m.repo.FindOpenPositions(ctx, "")
	if err != nil {
		log.Printf("[监控] ✘ 加载持仓失败: %v", err)
		return
	}
	if len(positions) == 0 {
		return
	}

	// 按交易对分组，每个交易对只取一次价格
	bySymbol := make(map[string][]domain.Position)
	for _, p := range positions {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}

	for symbol, group := range bySymbol {
		price, err := m.client.GetPrice(ctx, symbol)
		if err != nil {
			log.Printf("[监控] ⚠ 取价失败 %s: %v", symbol, err)
			continue
		}
		for _, pos := range group {
			m.tick(ctx, pos, price)
		}
	}
}

// tick 单个仓位的一次价格更新与出场评估
func (m *Monitor) tick(ctx context.Context, pos domain.Position, price float64) {
	pos.CurrentPrice = price
	pos.UnrealizedPnl = UnrealizedPnl(pos, price)
	if err := m.repo.UpdatePosition(ctx, pos); err != nil {
		log.Printf("[监控] ⚠ 仓位价格写回失败 %s: %v", shortID(pos.ID), err)
	}
	m.bus.Publish(bus.TopicPositionPriceUpdated, pos)

	if IsAtStopLoss(pos, price) {
		log.Printf("[监控] 🛑 止损触发: %s %s 价格=%.8g 止损=%.8g", pos.Symbol, pos.Direction, price, pos.StopLoss)
		if err := m.ClosePosition(ctx, pos, pos.Quantity, price, "stop_loss"); err != nil {
			log.Printf("[监控] ✘ 止损平仓失败 %s: %v", shortID(pos.ID), err)
		}
		return
	}

	hitIdx := m.nextTPIndex(pos.ID)
	level, percent, ok := NextTakeProfit(pos, hitIdx, price)
	if !ok {
		return
	}

	closeQty := closeQuantityFor(pos, hitIdx, percent)
	log.Printf("[监控] 🎯 止盈触发: %s 第%d档 @%.8g 平仓比例=%.1f%% 数量=%.8f",
		pos.Symbol, hitIdx+1, level, percent, closeQty)

	if err := m.ClosePosition(ctx, pos, closeQty, price, "take_profit"); err != nil {
		log.Printf("[监控] ✘ 止盈平仓失败 %s: %v", shortID(pos.ID), err)
		return
	}
	m.advanceTPIndex(pos.ID)
}

// closeQuantityFor 本档应平数量：按建仓量的比例计算，封顶剩余数量。
// 比例基数是建仓量而不是剩余量，与挂单侧的分腿口径一致；末档吃掉全部剩余
func closeQuantityFor(pos domain.Position, hit int, percent float64) float64 {
	if hit >= len(pos.TakeProfitLevels)-1 {
		return pos.Quantity
	}
	qty := pos.OriginalQuantity * percent / 100
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	return qty
}

// UnrealizedPnl 未实现盈亏：sign(direction) × (现价 − 入场价) × 数量 × 杠杆
func UnrealizedPnl(pos domain.Position, price float64) float64 {
	return pos.Direction.Sign() * (price - pos.EntryPrice) * pos.Quantity * float64(pos.Leverage)
}

// IsAtStopLoss 止损判定：多头现价跌破止损价，空头反之
func IsAtStopLoss(pos domain.Position, price float64) bool {
	if pos.StopLoss <= 0 {
		return false
	}
	if pos.Direction == domain.DirectionLong {
		return price <= pos.StopLoss
	}
	return price >= pos.StopLoss
}

// NextTakeProfit 评估下一个未触发的止盈档位。
// 档位按方向有利顺序排列，hit 为已触发档数；
// 只有最近一档可触发：多头需现价 ≥ 档位价，空头需现价 ≤ 档位价。
// 返回触发档位价、该档平仓百分比（无显式配置时均分）
func NextTakeProfit(pos domain.Position, hit int, price float64) (level, percent float64, ok bool) {
	levels := pos.OrderedTakeProfits()
	if hit < 0 || hit >= len(levels) {
		return 0, 0, false
	}
	level = levels[hit]
	if pos.Direction == domain.DirectionLong {
		if price < level {
			return 0, 0, false
		}
	} else if price > level {
		return 0, 0, false
	}

	if len(pos.ClosePercents) == len(levels) {
		percent = pos.ClosePercents[hit]
	} else {
		percent = 100.0 / float64(len(levels))
	}
	return level, percent, true
}

// ClosePosition 平掉指定数量。closeQty ≥ 剩余数量时全平。
// 交易所侧仓位已消失时不报错，转入对账路径
func (m *Monitor) ClosePosition(ctx context.Context, pos domain.Position, closeQty, price float64, reason string) error {
	if !pos.Open() {
		return nil
	}
	if price <= 0 {
		fetched, err := m.client.GetPrice(ctx, pos.Symbol)
		if err != nil {
			return fmt.Errorf("平仓取价失败: %w", err)
		}
		price = fetched
	}
	if closeQty <= 0 || closeQty > pos.Quantity {
		closeQty = pos.Quantity
	}

	// 交易所实际持仓决定能平多少
	liveQty, confirmed := m.liveQuantity(ctx, pos)
	if confirmed && liveQty <= 0 {
		// 交易所已无此仓位（条件单已成交等），走盈亏重建而不是报错
		log.Printf("[监控] ⚠ 交易所侧仓位已消失 %s，按订单历史重建盈亏", pos.Symbol)
		return m.reconcileVanished(ctx, pos)
	}
	if confirmed && liveQty < closeQty {
		closeQty = liveQty
	}

	contract, err := m.client.GetContract(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("平仓取合约元数据失败: %w", err)
	}

	req := exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          string(pos.Direction.CloseSide()),
		PositionSide:  string(pos.Direction),
		Type:          exchange.OrderTypeMarket,
		Quantity:      closeQty,
		ReduceOnly:    true,
		ClientOrderID: "cl" + uuid.NewString()[:8],
	}
	result, err := m.client.PlaceReduceOnlyWithRetry(ctx, req, contract, m.cfg.PlaceRetryAttempts, closeQty)
	if err != nil {
		return fmt.Errorf("平仓下单失败: %w", err)
	}
	closedQty := result.UsedQuantity

	realized := pos.Direction.Sign() * (price - pos.EntryPrice) * closedQty * float64(pos.Leverage)
	fee := price * closedQty * m.cfg.TakerFeeRate
	realized -= fee

	fullClose := closedQty >= pos.Quantity-contract.LotStep()/2
	m.applyClose(ctx, &pos, closedQty, realized, fee, price, fullClose, reason)
	return nil
}

// applyClose 平仓结果落库并聚合到账户
func (m *Monitor) applyClose(ctx context.Context, pos *domain.Position, closedQty, realized, fee, price float64, fullClose bool, reason string) {
	now := time.Now().UTC()
	pos.RealizedPnl += realized
	pos.Fees += fee
	pos.CurrentPrice = price

	if fullClose {
		pos.Quantity = 0
		pos.Status = domain.PositionStatusClosed
		pos.UnrealizedPnl = 0
		pos.ClosedAt = &now
		m.clearTPIndex(pos.ID)
		m.CancelWatcher(pos.ID)
	} else {
		pos.Quantity -= closedQty
		pos.Status = domain.PositionStatusPartiallyClosed
		pos.UnrealizedPnl = UnrealizedPnl(*pos, price)
	}

	if err := m.repo.UpdatePosition(ctx, *pos); err != nil {
		log.Printf("[监控] ✘ 平仓写回失败 %s: %v", shortID(pos.ID), err)
	}

	// 账户盈亏聚合
	if account, err := m.repo.GetAccount(ctx, pos.AccountID); err == nil {
		account.RealizedPnl += realized
		account.Balance += realized
		account.UpdatedAt = now
		if err := m.repo.UpsertAccount(ctx, account); err != nil {
			log.Printf("[监控] ⚠ 账户盈亏聚合失败 %s: %v", pos.AccountID, err)
		} else {
			m.bus.Publish(bus.TopicAccountUpdated, account)
		}
	}

	if fullClose {
		m.bus.Publish(bus.TopicPositionClosed, *pos)
		log.Printf("[监控] ■ 仓位已平 %s %s 原因=%s 已实现盈亏=%.4f 手续费=%.4f",
			pos.Symbol, pos.Direction, reason, pos.RealizedPnl, pos.Fees)
	} else {
		log.Printf("[监控] ◪ 部分平仓 %s 平掉=%.8f 剩余=%.8f 本次盈亏=%.4f",
			pos.Symbol, closedQty, pos.Quantity, realized)
	}
}

// liveQuantity 查询交易所侧该仓位的当前数量；查询失败时 confirmed=false
func (m *Monitor) liveQuantity(ctx context.Context, pos domain.Position) (float64, bool) {
	positions, err := m.client.GetOpenPositions(ctx, pos.Symbol)
	if err != nil {
		return 0, false
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, pos.Symbol) && strings.EqualFold(p.PositionSide, string(pos.Direction)) {
			return math.Abs(p.PositionAmt), true
		}
	}
	return 0, true
}

// reconcileVanished 仓位在交易所侧已不存在：从开仓之后的订单历史里
// 匹配反向或条件单成交，重建近似已实现盈亏，找不到则记零并关闭
func (m *Monitor) reconcileVanished(ctx context.Context, pos domain.Position) error {
	realized := 0.0
	price := pos.CurrentPrice

	orders, err := m.client.GetOrderHistory(ctx, pos.Symbol, 100)
	if err != nil {
		log.Printf("[监控] ⚠ 订单历史查询失败 %s，盈亏按零处理: %v", pos.Symbol, err)
	} else {
		closeSide := string(pos.Direction.CloseSide())
		var totalQty, totalNotional float64
		for _, o := range orders {
			if o.CreatedAt().Before(pos.OpenedAt) || !o.Filled() || o.ExecutedQty <= 0 {
				continue
			}
			conditional := o.Type == string(exchange.OrderTypeStopMarket) || o.Type == string(exchange.OrderTypeTakeProfitMarket)
			if !strings.EqualFold(o.Side, closeSide) && !conditional {
				continue
			}
			totalQty += o.ExecutedQty
			totalNotional += o.ExecutedQty * o.AvgPrice
		}
		if totalQty > 0 {
			avgClose := totalNotional / totalQty
			qty := math.Min(totalQty, pos.Quantity)
			realized = pos.Direction.Sign() * (avgClose - pos.EntryPrice) * qty * float64(pos.Leverage)
			price = avgClose
			log.Printf("[监控] 盈亏重建: %s 平仓均价=%.8g 数量=%.8f 盈亏=%.4f", pos.Symbol, avgClose, qty, realized)
		}
	}

	m.applyClose(ctx, &pos, pos.Quantity, realized, 0, price, true, "reconciled")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ==================== 止盈档位游标 ====================

func (m *Monitor) nextTPIndex(positionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tpIndex[positionID]
}

func (m *Monitor) advanceTPIndex(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tpIndex[positionID]++
}

func (m *Monitor) clearTPIndex(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tpIndex, positionID)
}
