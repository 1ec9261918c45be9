package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"regexp"
	"strconv"
)

// ErrorKind 交易所错误的结构化分类
type ErrorKind int

const (
	// ErrKindOther 未识别错误，不可重试
	ErrKindOther ErrorKind = iota
	// ErrKindInsufficientAvailable 可用金额不足，错误信息携带可用的计价币金额
	ErrKindInsufficientAvailable
)

// ClassifiedError 解析后的错误变体，重试逻辑只看这里，不再接触原始字符串
type ClassifiedError struct {
	Kind          ErrorKind
	AvailableUSDT float64 // Kind 为 InsufficientAvailable 时有效
}

// 形如 "the available amount of 100.5 USDT ..." / "available margin 100.5"
var availableAmountPattern = regexp.MustCompile(`(?i)available (?:amount|margin)[^0-9]*([0-9]+(?:\.[0-9]+)?)`)

// Classify 将原始交易所错误一次性解析为结构化变体。
// 字符串匹配的脆弱性全部收敛在这个函数里
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{Kind: ErrKindOther}
	}
	msg := err.Error()
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.Msg
	}
	m := availableAmountPattern.FindStringSubmatch(msg)
	if m == nil {
		return ClassifiedError{Kind: ErrKindOther}
	}
	amount, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || amount <= 0 {
		return ClassifiedError{Kind: ErrKindOther}
	}
	return ClassifiedError{Kind: ErrKindInsufficientAvailable, AvailableUSDT: amount}
}

// orderPlacer 重试算法依赖的最小交易所能力
type orderPlacer interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// PlaceReduceOnlyWithRetry 带数量自适应重试的 reduce-only 条件单下单。
// 交易所按保证金预算报告可用金额，与调用方期望的仓位规模无关，
// 因此用可用金额反推数量并预留一个步进的安全余量，一次重试即可收敛
func (c *Client) PlaceReduceOnlyWithRetry(ctx context.Context, req OrderRequest, contract Contract, maxAttempts int, ceiling float64) (PlacedOrder, error) {
	return placeReduceOnlyWithRetry(ctx, c, req, contract, maxAttempts, ceiling)
}

func placeReduceOnlyWithRetry(ctx context.Context, p orderPlacer, req OrderRequest, contract Contract, maxAttempts int, ceiling float64) (PlacedOrder, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	step := contract.LotStep()
	originalQty := req.Quantity

	qty := math.Min(req.Quantity, ceiling)
	qty = RoundToStep(qty, step)
	if qty <= 0 {
		return PlacedOrder{}, fmt.Errorf("下单数量 %.8f 取整后为零 (step=%.8f)", req.Quantity, step)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req.Quantity = qty
		order, err := p.PlaceOrder(ctx, req)
		if err == nil {
			if attempt > 1 {
				log.Printf("[交易所] ✔ 自适应重试成功: %s 第%d次 数量=%.8f", req.Symbol, attempt, qty)
			}
			return PlacedOrder{Order: order, UsedQuantity: qty}, nil
		}
		lastErr = err

		classified := Classify(err)
		if classified.Kind != ErrKindInsufficientAvailable {
			// 校验类/通用错误不可重试，原样抛出
			return PlacedOrder{}, err
		}

		// 参考价：优先触发价，否则取实时市价
		refPrice := req.StopPrice
		if refPrice <= 0 {
			refPrice, err = p.GetPrice(ctx, req.Symbol)
			if err != nil {
				return PlacedOrder{}, fmt.Errorf("重试取价失败: %w", err)
			}
		}

		// 可用金额反推最大数量，再减一个步进吸收价格漂移和手续费扣减
		maxByAvailable := RoundToStep(classified.AvailableUSDT/refPrice, step) - step
		next := math.Min(maxByAvailable, math.Min(ceiling, originalQty))
		next = RoundToStep(next, step)

		if next <= 0 || next < contract.TradeMinQuantity {
			log.Printf("[交易所] ✘ 可用金额 %.2f 不足以下最小单: %s 反推数量=%.8f 最小=%.8f",
				classified.AvailableUSDT, req.Symbol, next, contract.TradeMinQuantity)
			return PlacedOrder{}, lastErr
		}

		log.Printf("[交易所] ⚠ 可用金额不足 %.2f USDT，重试: %s 数量 %.8f → %.8f (参考价=%.8g)",
			classified.AvailableUSDT, req.Symbol, qty, next, refPrice)
		qty = next
	}
	return PlacedOrder{}, fmt.Errorf("下单重试 %d 次后仍失败: %w", maxAttempts, lastErr)
}
