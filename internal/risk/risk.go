package risk

import (
	"fmt"
	"log"
	"math"

	"signal_trader/internal/config"
	"signal_trader/internal/domain"
)

// Snapshot 风控评估所需的账户侧快照，由调用方取好传入，本包无副作用
type Snapshot struct {
	Balance       float64
	MarginRatio   float64
	OpenPositions int  // 该渠道当前持仓数
	HasSameSymbol bool // 同币种是否已有未平仓位
}

// Result 评估结论
type Result struct {
	Passed bool
	Reason string
}

// Gate 无状态检查组，按固定顺序短路
type Gate struct {
	disabled         bool
	minConfidence    float64
	minTradeUSDT     float64
	maxLeverage      int
	maxOpenPositions int
	minRiskReward    float64
	maxMarginRatio   float64
}

func New(cfg config.Config) *Gate {
	return &Gate{
		disabled:         cfg.RiskDisabled,
		minConfidence:    cfg.MinConfidence,
		minTradeUSDT:     cfg.MinTradeUSDT,
		maxLeverage:      cfg.MaxLeverage,
		maxOpenPositions: cfg.MaxOpenPositions,
		minRiskReward:    cfg.MinRiskReward,
		maxMarginRatio:   cfg.MaxMarginRatio,
	}
}

// Evaluate 纯函数：依次检查，第一个失败项短路返回人类可读原因。
// 全局禁用风控时直接放行，只留一条警告
func (g *Gate) Evaluate(sig domain.Signal, channel domain.Channel, snap Snapshot) Result {
	if g.disabled {
		log.Printf("[风控] ⚠ 风控已全局禁用，信号 %s 直接放行", sig.ID)
		return Result{Passed: true, Reason: "risk management disabled"}
	}

	if sig.Confidence < g.minConfidence {
		return Result{Passed: false, Reason: fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, g.minConfidence)}
	}
	if snap.Balance < g.minTradeUSDT {
		return Result{Passed: false, Reason: fmt.Sprintf("available balance %.2f below minimum trade amount %.2f", snap.Balance, g.minTradeUSDT)}
	}
	if sig.Leverage > g.maxLeverage {
		return Result{Passed: false, Reason: fmt.Sprintf("leverage %dx exceeds maximum %dx", sig.Leverage, g.maxLeverage)}
	}
	maxPositions := channel.MaxOpenPositions
	if maxPositions <= 0 {
		maxPositions = g.maxOpenPositions
	}
	if snap.OpenPositions >= maxPositions {
		return Result{Passed: false, Reason: fmt.Sprintf("channel %s already has %d open positions (max %d)", channel.ID, snap.OpenPositions, maxPositions)}
	}
	if snap.HasSameSymbol {
		return Result{Passed: false, Reason: fmt.Sprintf("open position already exists for %s", sig.Coin)}
	}
	if rr := riskReward(sig); rr < g.minRiskReward {
		return Result{Passed: false, Reason: fmt.Sprintf("risk/reward ratio %.2f below minimum %.2f", rr, g.minRiskReward)}
	}
	if snap.MarginRatio > g.maxMarginRatio {
		return Result{Passed: false, Reason: fmt.Sprintf("margin ratio %.2f exceeds maximum %.2f", snap.MarginRatio, g.maxMarginRatio)}
	}

	return Result{Passed: true}
}

// riskReward 用入场价、最近一档止盈和止损推导盈亏比。
// 档位不保证有序，取方向有利侧距入场价最近的一档；有利侧无档位视为零
func riskReward(sig domain.Signal) float64 {
	riskDist := math.Abs(sig.EntryPrice - sig.StopLoss)
	if riskDist <= 0 {
		return 0
	}
	nearest := 0.0
	for _, tp := range sig.TakeProfitLevels {
		profit := (tp - sig.EntryPrice) * sig.Direction.Sign()
		if profit <= 0 {
			continue
		}
		if nearest == 0 || profit < nearest {
			nearest = profit
		}
	}
	if nearest <= 0 {
		return 0
	}
	return nearest / riskDist
}
