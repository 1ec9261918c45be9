package exchange

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"BTC", "BTC-USDT"},
		{"btc", "BTC-USDT"},
		{" eth ", "ETH-USDT"},
		{"BTCUSDT", "BTC-USDT"},
		{"DOGEUSDC", "DOGE-USDC"},
		{"BTC-USDT", "BTC-USDT"},
		{"sol-usdt", "SOL-USDT"},
		{"1000PEPE", "1000PEPE-USDT"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeSymbol(tc.raw), "raw=%q", tc.raw)
	}
}

func TestRoundToStep(t *testing.T) {
	cases := []struct {
		value float64
		step  float64
		want  float64
	}{
		{10.0, 0.1, 10.0},
		{10.04, 0.1, 10.0},
		{9.99, 0.1, 9.9},
		{0.00123, 0.001, 0.001},
		{7, 1, 7},
		{7.9, 1, 7},
		{0.05, 0.1, 0},
		{123.456, 0.01, 123.45},
	}
	for _, tc := range cases {
		got := RoundToStep(tc.value, tc.step)
		assert.InDelta(t, tc.want, got, 1e-12, "value=%v step=%v", tc.value, tc.step)
	}
}

// 向下取整后余数必须小于一个步进，且结果是步进的整数倍
func TestRoundToStepProperties(t *testing.T) {
	values := []float64{0.1, 0.37, 1.0, 3.14159, 10.0, 99.99, 1234.5678}
	steps := []float64{0.001, 0.01, 0.1, 1}

	for _, v := range values {
		for _, s := range steps {
			got := RoundToStep(v, s)
			assert.LessOrEqual(t, got, v+1e-9, "结果不得超过原值 v=%v s=%v", v, s)
			assert.Less(t, v-got, s+1e-9, "余数必须小于一个步进 v=%v s=%v", v, s)

			ratio := got / s
			assert.InDelta(t, math.Round(ratio), ratio, 1e-6, "结果必须是步进整数倍 v=%v s=%v", v, s)
		}
	}
}

func TestRoundToStepDegenerate(t *testing.T) {
	assert.Equal(t, 0.0, RoundToStep(5.0, 0), "步进非法时返回零")
	assert.Equal(t, 0.0, RoundToStep(-1.0, 0.1), "负值取整为零")
}

func TestCeilToStep(t *testing.T) {
	assert.InDelta(t, 0.1, CeilToStep(0.05, 0.1), 1e-12)
	assert.InDelta(t, 10.0, CeilToStep(10.0, 0.1), 1e-12)
	assert.InDelta(t, 1.3, CeilToStep(1.21, 0.1), 1e-12)
}

func TestFormatByStep(t *testing.T) {
	assert.Equal(t, "9.9", FormatByStep(9.9, 0.1))
	assert.Equal(t, "10", FormatByStep(10, 1))
	assert.Equal(t, "0.008", FormatByStep(0.008, 0.001))
}

func TestContractLotStep(t *testing.T) {
	withSize := Contract{Size: 0.5, QuantityPrecision: 3}
	assert.Equal(t, 0.5, withSize.LotStep(), "显式 size 优先")

	byPrecision := Contract{QuantityPrecision: 3}
	assert.InDelta(t, 0.001, byPrecision.LotStep(), 1e-12)

	tick := Contract{PricePrecision: 2}
	assert.InDelta(t, 0.01, tick.TickSize(), 1e-12)
}
