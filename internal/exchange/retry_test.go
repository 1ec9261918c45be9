package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlacer 可编程的下单桩：按可接受数量上限决定成败
type fakePlacer struct {
	acceptBelow float64 // 数量严格小于该值才接受
	available   float64 // 拒单时报告的可用金额
	price       float64
	attempts    []float64
	placeErr    error // 非空时固定返回该错误
}

func (f *fakePlacer) PlaceOrder(_ context.Context, req OrderRequest) (Order, error) {
	f.attempts = append(f.attempts, req.Quantity)
	if f.placeErr != nil {
		return Order{}, f.placeErr
	}
	if req.Quantity >= f.acceptBelow {
		return Order{}, &APIError{
			Code: 80001,
			Msg:  fmt.Sprintf("the order quantity exceeds the available amount of %.1f USDT, please adjust", f.available),
		}
	}
	return Order{OrderID: 1001, Status: "NEW", Quantity: req.Quantity}, nil
}

func (f *fakePlacer) GetPrice(_ context.Context, _ string) (float64, error) {
	return f.price, nil
}

func TestClassifyInsufficientAvailable(t *testing.T) {
	err := &APIError{Code: 80001, Msg: "the available amount of 100.5 USDT is not enough"}
	c := Classify(err)
	assert.Equal(t, ErrKindInsufficientAvailable, c.Kind)
	assert.InDelta(t, 100.5, c.AvailableUSDT, 1e-9)

	wrapped := fmt.Errorf("下单失败: %w", err)
	c = Classify(wrapped)
	assert.Equal(t, ErrKindInsufficientAvailable, c.Kind)
	assert.InDelta(t, 100.5, c.AvailableUSDT, 1e-9)
}

func TestClassifyOther(t *testing.T) {
	cases := []error{
		nil,
		errors.New("timeout"),
		&APIError{Code: 80012, Msg: "invalid symbol"},
		&APIError{Code: 80001, Msg: "available amount of -5 USDT"},
	}
	for _, err := range cases {
		assert.Equal(t, ErrKindOther, Classify(err).Kind, "err=%v", err)
	}
}

// 可用 100 USDT、参考价 10、步进 0.1：反推 10.0，减一步进得 9.9，第二次即成功
func TestRetryConvergesWithinTwoAttempts(t *testing.T) {
	placer := &fakePlacer{acceptBelow: 10.0, available: 100, price: 10}
	contract := Contract{QuantityPrecision: 1, TradeMinQuantity: 0.1}

	req := OrderRequest{
		Symbol:     "BTC-USDT",
		Side:       "SELL",
		Type:       OrderTypeStopMarket,
		Quantity:   15,
		StopPrice:  10,
		ReduceOnly: true,
	}
	placed, err := placeReduceOnlyWithRetry(context.Background(), placer, req, contract, 3, 15)
	require.NoError(t, err)

	assert.InDelta(t, 9.9, placed.UsedQuantity, 1e-9)
	require.Len(t, placer.attempts, 2)
	assert.InDelta(t, 15.0, placer.attempts[0], 1e-9)
	assert.InDelta(t, 9.9, placer.attempts[1], 1e-9)
}

// 触发价缺省时用实时市价作参考价
func TestRetryFallsBackToLivePrice(t *testing.T) {
	placer := &fakePlacer{acceptBelow: 5.0, available: 50, price: 10}
	contract := Contract{QuantityPrecision: 1, TradeMinQuantity: 0.1}

	req := OrderRequest{Symbol: "ETH-USDT", Side: "SELL", Type: OrderTypeMarket, Quantity: 8, ReduceOnly: true}
	placed, err := placeReduceOnlyWithRetry(context.Background(), placer, req, contract, 3, 8)
	require.NoError(t, err)
	assert.InDelta(t, 4.9, placed.UsedQuantity, 1e-9)
}

// 非"可用金额不足"类错误不重试，原样抛出
func TestRetryPassesThroughOtherErrors(t *testing.T) {
	apiErr := &APIError{Code: 80012, Msg: "invalid symbol"}
	placer := &fakePlacer{placeErr: apiErr, price: 10}
	contract := Contract{QuantityPrecision: 1, TradeMinQuantity: 0.1}

	req := OrderRequest{Symbol: "BAD-USDT", Side: "SELL", Quantity: 1, ReduceOnly: true}
	_, err := placeReduceOnlyWithRetry(context.Background(), placer, req, contract, 3, 1)

	require.Error(t, err)
	var got *APIError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 80012, got.Code)
	assert.Len(t, placer.attempts, 1)
}

// 反推数量不足交易所最小数量时放弃，不再盲试
func TestRetryAbortsBelowMinimum(t *testing.T) {
	placer := &fakePlacer{acceptBelow: 0.01, available: 1, price: 100}
	contract := Contract{QuantityPrecision: 1, TradeMinQuantity: 0.1}

	req := OrderRequest{Symbol: "BTC-USDT", Side: "SELL", Quantity: 5, StopPrice: 100, ReduceOnly: true}
	_, err := placeReduceOnlyWithRetry(context.Background(), placer, req, contract, 3, 5)

	require.Error(t, err)
	assert.Len(t, placer.attempts, 1)
}

// 重试数量不超过原始请求与上限
func TestRetryHonorsCeiling(t *testing.T) {
	placer := &fakePlacer{acceptBelow: 3.0, available: 1000, price: 10}
	contract := Contract{QuantityPrecision: 1, TradeMinQuantity: 0.1}

	req := OrderRequest{Symbol: "BTC-USDT", Side: "SELL", Quantity: 5, StopPrice: 10, ReduceOnly: true}
	_, err := placeReduceOnlyWithRetry(context.Background(), placer, req, contract, 2, 2.5)

	// 上限 2.5 低于可接受阈值 3.0，首次即成功
	require.NoError(t, err)
	require.Len(t, placer.attempts, 1)
	assert.InDelta(t, 2.5, placer.attempts[0], 1e-9)
}
