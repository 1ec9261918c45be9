package exchange

import (
	"math"
	"strconv"
	"strings"
)

var quoteAssets = []string{"USDT", "USDC"}

// NormalizeSymbol 将 "btc"、"BTCUSDT"、"btc-usdt" 统一为 "BTC-USDT"
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return s
	}

	if i := strings.Index(s, "-"); i > 0 {
		base, quote := s[:i], s[i+1:]
		for _, q := range quoteAssets {
			if quote == q {
				return base + "-" + q
			}
		}
		// 未知计价币，保守拼回 USDT
		return base + "-USDT"
	}

	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "-" + q
		}
	}
	return s + "-USDT"
}

// RoundToStep 向下取整到步进的整数倍：floor(value/step)*step
// 数量按 lot step、价格按 tick size 共用同一套逻辑
func RoundToStep(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return 0
	}
	// 除法结果加极小量再取整，避免 10/0.1 = 99.999... 这类二进制表示误差少数一个步进
	steps := math.Floor(value/step + 1e-9)
	if steps <= 0 {
		return 0
	}
	// 浮点修正：按步进的小数位数再舍入一次，消除 0.30000000000000004 类误差
	rounded := steps * step
	decimals := decimalsOf(step)
	factor := math.Pow(10, float64(decimals))
	return math.Floor(rounded*factor+0.5) / factor
}

// CeilToStep 向上取整到步进的整数倍，用于把数量抬到交易所最小档
func CeilToStep(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return 0
	}
	steps := math.Ceil(value/step - 1e-9)
	rounded := steps * step
	decimals := decimalsOf(step)
	factor := math.Pow(10, float64(decimals))
	return math.Floor(rounded*factor+0.5) / factor
}

// stepFromPrecision 由交易所精度位数推导步进，如 3 → 0.001
func stepFromPrecision(precision int) float64 {
	if precision <= 0 {
		return 1
	}
	return math.Pow(10, -float64(precision))
}

// decimalsOf 步进本身的小数位数，用于数值格式化
func decimalsOf(step float64) int {
	if step >= 1 {
		return 0
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.Index(s, "."); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// FormatByStep 按步进精度格式化为交易所可接受的字符串
func FormatByStep(value, step float64) string {
	return strconv.FormatFloat(value, 'f', decimalsOf(step), 64)
}
