package executor

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"signal_trader/internal/bus"
	"signal_trader/internal/config"
	"signal_trader/internal/domain"
	"signal_trader/internal/exchange"
	"signal_trader/internal/risk"
	"signal_trader/internal/store"

	"github.com/google/uuid"
)

// BreakevenStarter 仓位止损单落地后由监控器接管的保本观察器
type BreakevenStarter interface {
	StartBreakevenWatcher(pos domain.Position)
}

// Coordinator 执行协调器：从持久化队列取信号，经风控与交易所完成建仓
type Coordinator struct {
	repo      store.Repository
	gate      *risk.Gate
	client    exchange.API
	bus       *bus.Bus
	breakeven BreakevenStarter
	cfg       config.Config

	slots  chan struct{} // 工作槽，容量即并发上限
	stop   chan struct{}
	wg     sync.WaitGroup
	active sync.Map // signalID → 开始时间，优雅退出时报告在途执行
}

func New(repo store.Repository, gate *risk.Gate, client exchange.API, b *bus.Bus, cfg config.Config) *Coordinator {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 3
	}
	return &Coordinator{
		repo:   repo,
		gate:   gate,
		client: client,
		bus:    b,
		cfg:    cfg,
		slots:  make(chan struct{}, workers),
		stop:   make(chan struct{}),
	}
}

// SetBreakevenStarter 注入监控器（构造顺序上监控器依赖交易所客户端，稍后注入）
func (c *Coordinator) SetBreakevenStarter(b BreakevenStarter) {
	c.breakeven = b
}

// Submit 校验信号并落库入队，返回队列任务
func (c *Coordinator) Submit(ctx context.Context, sig domain.Signal) (domain.ExecutionTask, error) {
	if err := sig.Validate(); err != nil {
		return domain.ExecutionTask{}, err
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Status == "" {
		sig.Status = domain.SignalStatusPending
	}
	now := time.Now().UTC()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now

	if _, err := c.repo.GetSignal(ctx, sig.ID); err != nil {
		if createErr := c.repo.CreateSignal(ctx, sig); createErr != nil {
			return domain.ExecutionTask{}, createErr
		}
	}
	task, err := c.repo.Enqueue(ctx, sig.ID)
	if err != nil {
		return domain.ExecutionTask{}, err
	}
	log.Printf("[执行] 信号入队: %s %s %s 队列任务=%d", shortID(sig.ID), sig.Coin, sig.Direction, task.ID)
	return task, nil
}

// Start 启动补位定时器：只要有空闲工作槽就从队列弹出任务
func (c *Coordinator) Start() {
	interval := time.Duration(c.cfg.QueuePollSec) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log.Printf("[执行] 协调器已启动 并发=%d 补位间隔=%s", cap(c.slots), interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.fill()
			case <-c.stop:
				return
			}
		}
	}()
}

// fill 在空闲槽位耗尽或队列为空之前持续弹出
func (c *Coordinator) fill() {
	for {
		select {
		case c.slots <- struct{}{}:
		case <-c.stop:
			return
		default:
			return // 无空闲槽
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		task, err := c.repo.DequeueNext(ctx)
		cancel()
		if err != nil {
			log.Printf("[执行] ✘ 队列弹出失败: %v", err)
			<-c.slots
			return
		}
		if task == nil {
			<-c.slots
			return
		}

		c.wg.Add(1)
		go func(t domain.ExecutionTask) {
			defer c.wg.Done()
			defer func() { <-c.slots }()
			c.run(t)
		}(*task)
	}
}

// Stop 优雅退出：停止补位，在宽限期内等待在途执行
func (c *Coordinator) Stop() {
	close(c.stop)

	grace := time.Duration(c.cfg.ShutdownGraceSec) * time.Second
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[执行] 协调器已停止，所有执行完成")
	case <-time.After(grace):
		c.active.Range(func(key, value any) bool {
			log.Printf("[执行] ⚠ 退出宽限期已过，仍在执行: 信号=%v 开始于=%v", key, value)
			return true
		})
		log.Println("[执行] 协调器强制停止")
	}
}

// run 单个任务的完整执行，任一步异常都会把信号标记为失败并释放槽位
func (c *Coordinator) run(task domain.ExecutionTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	if err := c.execute(ctx, task.SignalID); err != nil {
		log.Printf("[执行] ✘ 信号 %s 执行失败: %v", shortID(task.SignalID), err)
		_ = c.repo.UpdateSignalStatus(ctx, task.SignalID, domain.SignalStatusFailed, err.Error())
		_ = c.repo.FinishTask(ctx, task.ID, domain.TaskStatusFailed, err.Error())
		return
	}
	_ = c.repo.FinishTask(ctx, task.ID, domain.TaskStatusCompleted, "")
}

func (c *Coordinator) execute(ctx context.Context, signalID string) error {
	start := time.Now()

	// 同一信号同时只允许一次在途执行：落库状态要到第 12 步才写回，
	// 重复入队的任务如果都只看持久化状态，两个工作槽会同时下单
	if _, inFlight := c.active.LoadOrStore(signalID, time.Now().UTC()); inFlight {
		log.Printf("[执行] 信号 %s 已有在途执行，重复任务跳过", shortID(signalID))
		return nil
	}
	defer c.active.Delete(signalID)

	// 1. 幂等检查：重新加载信号，非可执行状态直接放弃，不碰交易所
	sig, err := c.repo.GetSignal(ctx, signalID)
	if err != nil {
		return err
	}
	if !sig.Executable() {
		log.Printf("[执行] 信号 %s 状态=%s 不可执行，跳过", shortID(sig.ID), sig.Status)
		return nil
	}
	log.Printf("[执行] ▶ 开始执行 %s %s %s 入场=%.8g 杠杆=%dx", shortID(sig.ID), sig.Coin, sig.Direction, sig.EntryPrice, sig.Leverage)

	// 2. 方向合理性纠偏：止损/止盈与入场价的相对位置是比上游分类更硬的证据
	if corrected := CorrectDirection(sig); corrected != sig.Direction {
		log.Printf("[执行] ⚠ 方向纠偏: %s 声明=%s 证据=%s，按证据执行", shortID(sig.ID), sig.Direction, corrected)
		sig.Direction = corrected
		if err := c.repo.UpdateSignalDirection(ctx, sig.ID, corrected); err != nil {
			return fmt.Errorf("方向纠偏写回失败: %w", err)
		}
	}

	// 3. 渠道与账户上下文
	channel, err := c.repo.GetChannel(ctx, sig.ChannelID)
	if err != nil {
		return err
	}
	if !channel.Active || channel.Paused {
		return fmt.Errorf("channel %s is paused or inactive", channel.ID)
	}
	account, err := c.repo.GetAccount(ctx, channel.AccountID)
	if err != nil {
		return err
	}

	// 4. 风控评估
	symbol := exchange.NormalizeSymbol(sig.Coin)
	openPositions, err := c.repo.FindOpenPositions(ctx, channel.ID)
	if err != nil {
		return err
	}
	snap := risk.Snapshot{
		Balance:       account.Balance,
		MarginRatio:   account.MarginRatio,
		OpenPositions: len(openPositions),
	}
	for _, p := range openPositions {
		if strings.EqualFold(p.Symbol, symbol) {
			snap.HasSameSymbol = true
			break
		}
	}
	if result := c.gate.Evaluate(sig, channel, snap); !result.Passed {
		return fmt.Errorf("risk gate rejected: %s", result.Reason)
	}

	// 5. 交易所余额与合约元数据
	balance, err := c.client.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("获取余额失败: %w", err)
	}
	contract, err := c.client.GetContract(ctx, symbol)
	if err != nil {
		return fmt.Errorf("获取合约元数据失败: %w", err)
	}

	// 6. 仓位规模
	quantity := ComputeQuantity(balance.AvailableMargin, c.cfg.RiskFraction, sig, contract)
	if quantity <= 0 {
		if c.cfg.RiskDisabled {
			// 风控禁用模式：退化为交易所最小可行数量，跳过后续参数校验
			quantity = minViableQuantity(sig.EntryPrice, contract)
			log.Printf("[执行] ⚠ 计算仓位非正且风控已禁用，使用最小可行数量 %.8f", quantity)
		}
		if quantity <= 0 {
			return fmt.Errorf("computed quantity is not positive (balance=%.2f)", balance.AvailableMargin)
		}
	}
	log.Printf("[执行] 仓位规模: %s 数量=%.8f (可用=%.2f 风险比例=%.2f 杠杆=%dx)",
		symbol, quantity, balance.AvailableMargin, c.cfg.RiskFraction, sig.Leverage)

	// 7. 设置杠杆，失败不致命
	if err := c.client.SetLeverage(ctx, symbol, string(sig.Direction), sig.Leverage); err != nil {
		log.Printf("[执行] ⚠ 设置杠杆失败（继续执行）: %s %dx: %v", symbol, sig.Leverage, err)
	}

	// 8. 市价入场
	entryOrder, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        symbol,
		Side:          string(sig.Direction.Side()),
		PositionSide:  string(sig.Direction),
		Type:          exchange.OrderTypeMarket,
		Quantity:      quantity,
		ClientOrderID: "st" + uuid.NewString()[:8],
	})
	if err != nil {
		return fmt.Errorf("入场下单失败: %w", err)
	}
	log.Printf("[执行] ✔ 入场订单已提交: %s 订单=%d", symbol, entryOrder.OrderID)

	// 9. 确认入场：轮询持仓直到出现非零仓位或超时；超时后订单已成交状态优先于持仓可见性延迟
	livePos, err := c.confirmEntry(ctx, symbol, string(sig.Direction), entryOrder)
	if err != nil {
		return err
	}

	// 10. 创建仓位记录：入场价优先用交易所持仓回报
	entryPrice := sig.EntryPrice
	confirmedQty := quantity
	if livePos != nil {
		if livePos.AvgPrice > 0 {
			entryPrice = livePos.AvgPrice
		}
		if amt := math.Abs(livePos.PositionAmt); amt > 0 {
			confirmedQty = amt
		}
	} else if entryOrder.AvgPrice > 0 {
		entryPrice = entryOrder.AvgPrice
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:               uuid.NewString(),
		SignalID:         sig.ID,
		ChannelID:        channel.ID,
		AccountID:        account.ID,
		Symbol:           symbol,
		Direction:        sig.Direction,
		Quantity:         confirmedQty,
		OriginalQuantity: confirmedQty,
		EntryPrice:       entryPrice,
		Leverage:         sig.Leverage,
		StopLoss:         sig.StopLoss,
		TakeProfitLevels: sig.TakeProfitLevels,
		ClosePercents:    allocPercents(len(sig.TakeProfitLevels), channel.ClosePercents, c.cfg.TPClosePercents),
		Status:           domain.PositionStatusOpen,
		CurrentPrice:     entryPrice,
		EntryOrderID:     fmt.Sprintf("%d", entryOrder.OrderID),
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	if err := c.repo.CreatePosition(ctx, pos); err != nil {
		return fmt.Errorf("仓位落库失败: %w", err)
	}

	// 11. 挂风控订单：止损 + 分批止盈（部分失败不回滚）
	c.placeRiskOrders(ctx, &pos, contract)

	// 12. 标记已执行并广播
	if err := c.repo.UpdateSignalStatus(ctx, sig.ID, domain.SignalStatusExecuted, ""); err != nil {
		return err
	}
	c.bus.Publish(bus.TopicSignalExecuted, pos)
	log.Printf("[执行] ■ 信号 %s 执行完毕 仓位=%s 数量=%.8f 入场=%.8g 耗时=%s",
		shortID(sig.ID), shortID(pos.ID), pos.Quantity, pos.EntryPrice, time.Since(start))
	return nil
}

// confirmEntry 轮询持仓列表等待入场可见。超时后若订单回报已成交则放行（成交状态权威）
func (c *Coordinator) confirmEntry(ctx context.Context, symbol, positionSide string, entryOrder exchange.Order) (*exchange.PositionInfo, error) {
	timeout := time.Duration(c.cfg.ConfirmTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		positions, err := c.client.GetOpenPositions(ctx, symbol)
		if err == nil {
			for i, p := range positions {
				if strings.EqualFold(p.Symbol, symbol) && strings.EqualFold(p.PositionSide, positionSide) && math.Abs(p.PositionAmt) > 0 {
					return &positions[i], nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	order, err := c.client.GetOrder(ctx, symbol, entryOrder.OrderID)
	if err == nil && order.Filled() {
		log.Printf("[执行] ⚠ 持仓轮询超时但订单 %d 已成交，按成交状态继续", entryOrder.OrderID)
		return nil, nil
	}
	return nil, fmt.Errorf("entry order %d not confirmed within %s", entryOrder.OrderID, timeout)
}

// CorrectDirection 方向合理性纠偏。
// 止损与入场价的相对位置权重 ×2，每档止盈各计 1 票；
// 一侧证据严格占优且与声明方向相反时覆盖声明方向
func CorrectDirection(sig domain.Signal) domain.Direction {
	var longEvidence, shortEvidence int

	// LONG 的止损在入场价下方，SHORT 在上方
	if sig.StopLoss < sig.EntryPrice {
		longEvidence += 2
	} else if sig.StopLoss > sig.EntryPrice {
		shortEvidence += 2
	}
	for _, tp := range sig.TakeProfitLevels {
		if tp > sig.EntryPrice {
			longEvidence++
		} else if tp < sig.EntryPrice {
			shortEvidence++
		}
	}

	if longEvidence > shortEvidence && sig.Direction != domain.DirectionLong {
		return domain.DirectionLong
	}
	if shortEvidence > longEvidence && sig.Direction != domain.DirectionShort {
		return domain.DirectionShort
	}
	return sig.Direction
}

// ComputeQuantity 仓位规模：固定风险比例 × 杠杆，上钳最小数量/最小名义价值，再向下取整到步进
func ComputeQuantity(available, riskFraction float64, sig domain.Signal, contract exchange.Contract) float64 {
	if available <= 0 || sig.EntryPrice <= 0 {
		return 0
	}
	qty := available * riskFraction * float64(sig.Leverage) / sig.EntryPrice

	if qty < contract.TradeMinQuantity {
		qty = contract.TradeMinQuantity
	}
	if contract.TradeMinUSDT > 0 {
		if minByNotional := contract.TradeMinUSDT / sig.EntryPrice; qty < minByNotional {
			qty = minByNotional
		}
	}

	step := contract.LotStep()
	rounded := exchange.RoundToStep(qty, step)
	// 取整掉到最小数量或最小名义价值以下时抬回最小档
	if rounded < contract.TradeMinQuantity {
		rounded = exchange.CeilToStep(contract.TradeMinQuantity, step)
	}
	if contract.TradeMinUSDT > 0 && rounded*sig.EntryPrice < contract.TradeMinUSDT {
		rounded = exchange.CeilToStep(contract.TradeMinUSDT/sig.EntryPrice, step)
	}
	return rounded
}

// minViableQuantity 交易所允许的最小可行数量（风控禁用模式兜底）
func minViableQuantity(entryPrice float64, contract exchange.Contract) float64 {
	step := contract.LotStep()
	qty := contract.TradeMinQuantity
	if contract.TradeMinUSDT > 0 && entryPrice > 0 {
		if byNotional := contract.TradeMinUSDT / entryPrice; byNotional > qty {
			qty = byNotional
		}
	}
	return exchange.CeilToStep(qty, step)
}

// allocPercents 确定各止盈档位的平仓比例：渠道配置优先，档位数不匹配时均分
func allocPercents(levels int, channelPercents, defaultPercents []float64) []float64 {
	if levels <= 0 {
		return nil
	}
	if len(channelPercents) == levels {
		return channelPercents
	}
	if len(defaultPercents) == levels {
		return defaultPercents
	}
	even := make([]float64, levels)
	for i := range even {
		even[i] = 100.0 / float64(levels)
	}
	return even
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
