package risk

import (
	"strings"
	"testing"

	"signal_trader/internal/config"
	"signal_trader/internal/domain"

	"github.com/stretchr/testify/assert"
)

func defaultConfig() config.Config {
	return config.Config{
		MinConfidence:    0.70,
		MinTradeUSDT:     10,
		MaxLeverage:      20,
		MaxOpenPositions: 5,
		MinRiskReward:    1.0,
		MaxMarginRatio:   0.8,
	}
}

func goodSignal() domain.Signal {
	return domain.Signal{
		ID:               "sig-1",
		ChannelID:        "ch-1",
		Coin:             "BTC",
		Direction:        domain.DirectionLong,
		EntryPrice:       60000,
		Leverage:         5,
		TakeProfitLevels: []float64{62000, 64000},
		StopLoss:         58500,
		Confidence:       0.85,
	}
}

func goodSnapshot() Snapshot {
	return Snapshot{Balance: 1000, MarginRatio: 0.2, OpenPositions: 1}
}

func TestEvaluatePasses(t *testing.T) {
	gate := New(defaultConfig())
	result := gate.Evaluate(goodSignal(), domain.Channel{ID: "ch-1"}, goodSnapshot())
	assert.True(t, result.Passed)
}

// 全局禁用时所有检查旁路，零余额也放行
func TestEvaluateDisabledBypassesEverything(t *testing.T) {
	cfg := defaultConfig()
	cfg.RiskDisabled = true
	gate := New(cfg)

	sig := goodSignal()
	sig.Confidence = 0.01
	sig.Leverage = 125
	snap := Snapshot{Balance: 0, MarginRatio: 0.99, OpenPositions: 100, HasSameSymbol: true}

	result := gate.Evaluate(sig, domain.Channel{ID: "ch-1"}, snap)
	assert.True(t, result.Passed)
	assert.Contains(t, result.Reason, "disabled")
}

func TestEvaluateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*domain.Signal, *domain.Channel, *Snapshot)
		keyword string
	}{
		{
			name:    "置信度不足",
			mutate:  func(s *domain.Signal, _ *domain.Channel, _ *Snapshot) { s.Confidence = 0.5 },
			keyword: "confidence",
		},
		{
			name:    "余额不足",
			mutate:  func(_ *domain.Signal, _ *domain.Channel, sn *Snapshot) { sn.Balance = 5 },
			keyword: "balance",
		},
		{
			name:    "杠杆超限",
			mutate:  func(s *domain.Signal, _ *domain.Channel, _ *Snapshot) { s.Leverage = 50 },
			keyword: "leverage",
		},
		{
			name:    "持仓数超限",
			mutate:  func(_ *domain.Signal, _ *domain.Channel, sn *Snapshot) { sn.OpenPositions = 5 },
			keyword: "open positions",
		},
		{
			name:    "同币种已有持仓",
			mutate:  func(_ *domain.Signal, _ *domain.Channel, sn *Snapshot) { sn.HasSameSymbol = true },
			keyword: "already exists",
		},
		{
			name: "盈亏比不足",
			mutate: func(s *domain.Signal, _ *domain.Channel, _ *Snapshot) {
				s.TakeProfitLevels = []float64{60500}
				s.StopLoss = 58000
			},
			keyword: "risk/reward",
		},
		{
			name:    "保证金率过高",
			mutate:  func(_ *domain.Signal, _ *domain.Channel, sn *Snapshot) { sn.MarginRatio = 0.9 },
			keyword: "margin ratio",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := New(defaultConfig())
			sig := goodSignal()
			ch := domain.Channel{ID: "ch-1"}
			snap := goodSnapshot()
			tc.mutate(&sig, &ch, &snap)

			result := gate.Evaluate(sig, ch, snap)
			assert.False(t, result.Passed)
			assert.True(t, strings.Contains(result.Reason, tc.keyword),
				"原因 %q 应包含 %q", result.Reason, tc.keyword)
		})
	}
}

// 渠道配置的持仓上限覆盖全局默认
func TestEvaluateChannelPositionLimitOverride(t *testing.T) {
	gate := New(defaultConfig())
	snap := goodSnapshot()
	snap.OpenPositions = 2

	result := gate.Evaluate(goodSignal(), domain.Channel{ID: "ch-1", MaxOpenPositions: 2}, snap)
	assert.False(t, result.Passed)

	result = gate.Evaluate(goodSignal(), domain.Channel{ID: "ch-1", MaxOpenPositions: 3}, snap)
	assert.True(t, result.Passed)
}

// 档位乱序时仍按方向有利侧最近一档评估，不受数组顺序影响
func TestRiskRewardIgnoresLevelOrder(t *testing.T) {
	gate := New(defaultConfig())
	sig := goodSignal()
	sig.StopLoss = 57000 // 风险距离 3000

	// 最近一档 62000 在后：2000/3000 < 1.0，必须拒绝
	sig.TakeProfitLevels = []float64{68000, 62000}
	result := gate.Evaluate(sig, domain.Channel{ID: "ch-1"}, goodSnapshot())
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason, "risk/reward")

	// SHORT 镜像：有利侧在下方，取最近的 58000
	sig = goodSignal()
	sig.Direction = domain.DirectionShort
	sig.StopLoss = 63000
	sig.TakeProfitLevels = []float64{54000, 58000}
	result = gate.Evaluate(sig, domain.Channel{ID: "ch-1"}, goodSnapshot())
	assert.False(t, result.Passed, "2000/3000 不足盈亏比下限")
}

// 有利侧无任何档位视为零盈亏比
func TestRiskRewardNoFavorableLevel(t *testing.T) {
	gate := New(defaultConfig())
	sig := goodSignal()
	sig.TakeProfitLevels = []float64{59000, 58000} // LONG 的档位全在入场价下方

	result := gate.Evaluate(sig, domain.Channel{ID: "ch-1"}, goodSnapshot())
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason, "risk/reward")
}

func TestRiskRewardUsesNearestTakeProfit(t *testing.T) {
	gate := New(defaultConfig())
	sig := goodSignal()
	// 最近一档 61000，风险距离 1500，盈亏比 1000/1500 < 1.0
	sig.TakeProfitLevels = []float64{61000, 70000}

	result := gate.Evaluate(sig, domain.Channel{ID: "ch-1"}, goodSnapshot())
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason, "risk/reward")
}
