package monitor

import (
	"context"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"signal_trader/internal/domain"
	"signal_trader/internal/exchange"

	"github.com/google/uuid"
)

// StartBreakevenWatcher 启动保本观察器：首个止盈成交（交易所侧持仓量小于
// 建仓量）后，把止损单挪到入场价。每个仓位最多一个观察器
func (m *Monitor) StartBreakevenWatcher(pos domain.Position) {
	ctx, cancel := context.WithCancel(context.Background())
	if _, loaded := m.watchers.LoadOrStore(pos.ID, cancel); loaded {
		cancel()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.watchers.Delete(pos.ID)
		m.watchBreakeven(ctx, pos)
	}()
}

// CancelWatcher 仓位关闭时终止对应观察器
func (m *Monitor) CancelWatcher(positionID string) {
	if value, ok := m.watchers.LoadAndDelete(positionID); ok {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
	}
}

func (m *Monitor) watchBreakeven(ctx context.Context, pos domain.Position) {
	interval := time.Duration(m.cfg.BreakevenPollSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	deadline := time.Duration(m.cfg.BreakevenMaximumSec) * time.Second
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	log.Printf("[保本] 观察器启动 %s %s 建仓量=%.8f", pos.Symbol, pos.Direction, pos.OriginalQuantity)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	expiry := time.NewTimer(deadline)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-expiry.C:
			log.Printf("[保本] ⏳ 观察器超时退出 %s", pos.Symbol)
			return
		case <-ticker.C:
			done, err := m.checkBreakeven(ctx, &pos)
			if err != nil {
				log.Printf("[保本] ⚠ 检查失败 %s: %v", pos.Symbol, err)
				continue
			}
			if done {
				return
			}
		}
	}
}

// checkBreakeven 单次检查。返回 done=true 表示观察器可以退出
func (m *Monitor) checkBreakeven(ctx context.Context, pos *domain.Position) (bool, error) {
	stored, err := m.repo.GetPosition(ctx, pos.ID)
	if err != nil {
		// 仓位已不存在，观察器没有继续的意义
		return true, nil
	}
	if !stored.Open() {
		return true, nil
	}

	liveQty, confirmed := m.liveQuantity(ctx, stored)
	if !confirmed {
		return false, nil
	}
	if liveQty <= 0 {
		// 交易所侧已全平，让轮询对账处理
		return true, nil
	}
	if liveQty >= stored.OriginalQuantity-1e-12 {
		return false, nil
	}

	// 首档止盈已成交，止损挪到入场价
	log.Printf("[保本] 首档止盈已成交 %s 剩余=%.8f，止损上移至入场价 %.8g",
		stored.Symbol, liveQty, stored.EntryPrice)
	if err := m.moveStopToEntry(ctx, &stored, liveQty); err != nil {
		return false, err
	}
	return true, nil
}

// moveStopToEntry 撤掉原止损单，按剩余数量在入场价重挂
func (m *Monitor) moveStopToEntry(ctx context.Context, pos *domain.Position, liveQty float64) error {
	contract, err := m.client.GetContract(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	if pos.StopOrderID != "" {
		orderID, _ := strconv.ParseInt(pos.StopOrderID, 10, 64)
		if err := m.client.CancelOrder(ctx, pos.Symbol, orderID); err != nil {
			// 原单可能已成交或已撤，继续重挂
			if !isUnknownOrder(err) {
				log.Printf("[保本] ⚠ 撤销原止损单失败 %s: %v", pos.StopOrderID, err)
			}
		}
	}

	qty := exchange.RoundToStep(math.Min(liveQty, pos.OriginalQuantity), contract.LotStep())
	req := exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          string(pos.Direction.CloseSide()),
		PositionSide:  string(pos.Direction),
		Type:          exchange.OrderTypeStopMarket,
		Quantity:      qty,
		StopPrice:     exchange.RoundToStep(pos.EntryPrice, contract.TickSize()),
		ReduceOnly:    true,
		ClientOrderID: "be" + uuid.NewString()[:8],
		WorkingType:   "MARK_PRICE",
	}
	placed, err := m.client.PlaceReduceOnlyWithRetry(ctx, req, contract, m.cfg.PlaceRetryAttempts, qty)
	if err != nil {
		return err
	}

	pos.StopLoss = req.StopPrice
	pos.StopOrderID = strconv.FormatInt(placed.Order.OrderID, 10)
	if err := m.repo.UpdatePosition(ctx, *pos); err != nil {
		log.Printf("[保本] ⚠ 保本止损写回失败 %s: %v", shortID(pos.ID), err)
	}
	log.Printf("[保本] ✔ 保本止损已挂 %s 数量=%.8f 触发价=%.8g 订单=%s",
		pos.Symbol, qty, req.StopPrice, pos.StopOrderID)
	return nil
}

func isUnknownOrder(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "order not exist")
}
