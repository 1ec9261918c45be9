package executor

import (
	"context"
	"log"
	"strconv"

	"signal_trader/internal/domain"
	"signal_trader/internal/exchange"

	"github.com/google/uuid"
)

// placeRiskOrders 为已确认仓位挂止损与分批止盈。
// 任一腿失败只记日志并跳过，不中断其余腿，也不影响整体执行结果
func (c *Coordinator) placeRiskOrders(ctx context.Context, pos *domain.Position, contract exchange.Contract) {
	if stopOrder, err := c.placeStopLoss(ctx, pos, contract); err != nil {
		log.Printf("[执行] ⚠ 止损单挂单失败 %s: %v", pos.Symbol, err)
	} else {
		pos.StopOrderID = strconv.FormatInt(stopOrder.Order.OrderID, 10)
		if err := c.repo.UpdatePosition(ctx, *pos); err != nil {
			log.Printf("[执行] ⚠ 止损单号写回失败 %s: %v", shortID(pos.ID), err)
		}
		// 止损已落地，交给保本观察器盯 TP 成交
		if c.breakeven != nil {
			c.breakeven.StartBreakevenWatcher(*pos)
		}
	}

	placed := c.placeTakeProfits(ctx, *pos, contract)
	log.Printf("[执行] 风控订单: %s 止盈挂单 %d/%d 档", pos.Symbol, placed, len(pos.TakeProfitLevels))
}

// placeStopLoss 反向 reduce-only 条件单，走自适应重试
func (c *Coordinator) placeStopLoss(ctx context.Context, pos *domain.Position, contract exchange.Contract) (exchange.PlacedOrder, error) {
	req := exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          string(pos.Direction.CloseSide()),
		PositionSide:  string(pos.Direction),
		Type:          exchange.OrderTypeStopMarket,
		Quantity:      pos.Quantity,
		StopPrice:     exchange.RoundToStep(pos.StopLoss, contract.TickSize()),
		ReduceOnly:    true,
		ClientOrderID: "sl" + uuid.NewString()[:8],
	}
	return c.client.PlaceReduceOnlyWithRetry(ctx, req, contract, c.cfg.PlaceRetryAttempts, pos.Quantity)
}

// TakeProfitLeg 单档止盈的计算结果
type TakeProfitLeg struct {
	Level    float64
	Quantity float64
}

// AllocateTakeProfitLegs 按比例分配各止盈档位的数量。
// 每腿先按原始仓位数量的百分比计算，不满足最小名义价值时先从剩余未分配数量借足，
// 借不足但剩余整体能过最小档则降级吃掉全部剩余；仍不行则跳过该腿。
// 末档直接吃掉剩余，保证各腿之和与仓位数量的偏差不超过一个步进
func AllocateTakeProfitLegs(pos domain.Position, contract exchange.Contract) []TakeProfitLeg {
	levels := pos.OrderedTakeProfits()
	if len(levels) == 0 || pos.Quantity <= 0 {
		return nil
	}
	percents := pos.ClosePercents
	if len(percents) != len(levels) {
		percents = make([]float64, len(levels))
		for i := range percents {
			percents[i] = 100.0 / float64(len(levels))
		}
	}

	step := contract.LotStep()
	remaining := pos.Quantity
	legs := make([]TakeProfitLeg, 0, len(levels))

	for i, level := range levels {
		if remaining < step {
			break
		}

		var qty float64
		if i == len(levels)-1 {
			qty = exchange.RoundToStep(remaining, step)
		} else {
			qty = exchange.RoundToStep(pos.OriginalQuantity*percents[i]/100, step)
			if qty > remaining {
				qty = exchange.RoundToStep(remaining, step)
			}
		}
		if qty <= 0 {
			continue
		}

		// 最小名义价值检查与借量
		if !clearsMinimum(qty, level, contract) {
			needed := minQuantityAt(level, contract)
			switch {
			case needed <= remaining+1e-12:
				qty = needed
			case clearsMinimum(exchange.RoundToStep(remaining, step), level, contract):
				qty = exchange.RoundToStep(remaining, step)
			default:
				log.Printf("[执行] ⚠ 止盈档 %.8g 无法凑足最小名义价值，跳过 (剩余=%.8f)", level, remaining)
				continue
			}
		}

		legs = append(legs, TakeProfitLeg{Level: level, Quantity: qty})
		remaining -= qty
	}
	return legs
}

// placeTakeProfits 逐腿挂 TAKE_PROFIT_MARKET，返回成功腿数
func (c *Coordinator) placeTakeProfits(ctx context.Context, pos domain.Position, contract exchange.Contract) int {
	legs := AllocateTakeProfitLegs(pos, contract)
	tick := contract.TickSize()

	placed := 0
	remaining := pos.Quantity
	for _, leg := range legs {
		req := exchange.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          string(pos.Direction.CloseSide()),
			PositionSide:  string(pos.Direction),
			Type:          exchange.OrderTypeTakeProfitMarket,
			Quantity:      leg.Quantity,
			StopPrice:     exchange.RoundToStep(leg.Level, tick),
			ReduceOnly:    true,
			ClientOrderID: "tp" + uuid.NewString()[:8],
		}
		result, err := c.client.PlaceReduceOnlyWithRetry(ctx, req, contract, c.cfg.PlaceRetryAttempts, remaining)
		if err != nil {
			log.Printf("[执行] ⚠ 止盈腿挂单失败 %s @%.8g 数量=%.8f: %v", pos.Symbol, leg.Level, leg.Quantity, err)
			continue
		}
		remaining -= result.UsedQuantity
		placed++
		if remaining <= 0 {
			break
		}
	}
	return placed
}

// clearsMinimum 数量在该触发价下是否同时满足最小数量和最小名义价值
func clearsMinimum(qty, price float64, contract exchange.Contract) bool {
	if qty < contract.TradeMinQuantity {
		return false
	}
	if contract.TradeMinUSDT > 0 && qty*price < contract.TradeMinUSDT-1e-9 {
		return false
	}
	return true
}

// minQuantityAt 该触发价下满足两个最小档所需的数量（向上取整到步进）
func minQuantityAt(price float64, contract exchange.Contract) float64 {
	step := contract.LotStep()
	qty := contract.TradeMinQuantity
	if contract.TradeMinUSDT > 0 && price > 0 {
		if byNotional := contract.TradeMinUSDT / price; byNotional > qty {
			qty = byNotional
		}
	}
	return exchange.CeilToStep(qty, step)
}
