package emulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hilow-signal-bot-go/internal/bot"
	"hilow-signal-bot-go/internal/exchange"
	"hilow-signal-bot-go/internal/executor"
	"hilow-signal-bot-go/internal/feed"
	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidWindow = errors.New("candles window must be positive")

// Result 是一次回放的结果
type Result struct {
	Symbol     string
	Closed     []models.PositionRecord
	Unresolved []models.PositionRecord // 数据结束时仍未结束的仓位
	Bars       int                     // 实际回放的K线数 (不含首个窗口)
	TotalFees  decimal.Decimal
	Start      time.Time
	End        time.Time
	FinalSkew  models.SkewState
	OpenOrders []models.Order // 回放结束后交易所上仍未成交的订单, 例如被终止仓位的平仓单
}

// FillEmulator 逐根K线回放历史数据, 先用最低价再用最高价驱动执行器并模拟成交
type FillEmulator struct {
	bot      *bot.HiLowBot
	exchange *exchange.BacktestExchange
	window   int
	logger   *zap.SugaredLogger
}

func New(b *bot.HiLowBot, ex *exchange.BacktestExchange, window int, logger *zap.Logger) *FillEmulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FillEmulator{
		bot:      b,
		exchange: ex,
		window:   window,
		logger:   logger.Sugar(),
	}
}

// Run 回放全部K线. ctx 取消时在两根K线之间退出.
func (f *FillEmulator) Run(ctx context.Context, bars []models.Bar) (*Result, error) {
	if f.window < 1 {
		return nil, ErrInvalidWindow
	}
	if err := feed.Validate(bars); err != nil {
		return nil, fmt.Errorf("invalid bar feed: %w", err)
	}

	result := &Result{Symbol: f.exchange.Symbol}
	for i := 0; ; i++ {
		window, current, ok := feed.Window(bars, i, f.window)
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if result.Start.IsZero() {
			result.Start = current.Time()
		}
		if err := f.step(window, current); err != nil {
			return nil, fmt.Errorf("bar %d: %w", current.Timestamp, err)
		}
		result.Bars++
		result.End = current.Time()
	}

	if rec := f.bot.Terminate(); rec != nil {
		result.Unresolved = append(result.Unresolved, *rec)
	}
	result.Closed = f.bot.ClosedRecords()
	result.TotalFees = f.exchange.TotalFees
	result.FinalSkew = f.bot.Skew()
	result.OpenOrders = f.exchange.GetOpenOrders()

	f.logger.Infof("回放结束: %d 根K线, %d 个已结束仓位, %d 个未决仓位",
		result.Bars, len(result.Closed), len(result.Unresolved))
	return result, nil
}

// step 处理一根K线. 默认K线内先到最低价再到最高价.
func (f *FillEmulator) step(window []models.Bar, bar models.Bar) error {
	now := bar.Time()

	// 1. 参考价设为最低价
	f.exchange.SetPrice(bar.Low, now)

	// 2. 策略: 归档已结束的执行器, 更新偏移, 可能开新仓
	if err := f.bot.OnTick(now, window); err != nil {
		return err
	}
	exec := f.bot.ActiveExecutor()
	if exec == nil {
		return nil
	}

	// 3. 以最低价控制, 判断开仓单是否成交
	exec.Control(now, bar.Low)
	f.deliverFailures(exec)
	if exec.Status() == models.NotStarted {
		open := exec.OpenOrder()
		if open.State == executor.OrderPlaced && open.Price.GreaterThanOrEqual(bar.Low) {
			f.fill(exec, open.OrderID, open.Price)
			if exec.Status() == models.ActivePosition {
				// 开仓的K线上不再判断离场
				return nil
			}
		}
	}

	// 4. 投递撤单事件
	for _, ev := range f.exchange.DrainCanceled() {
		exec.ProcessOrderCanceled(ev)
	}

	// 5. 止损或时限平仓单按其价格成交
	if exec.Status() == models.ActivePosition {
		if closeOrder := exec.CloseOrder(); closeOrder.State == executor.OrderPlaced {
			f.fill(exec, closeOrder.OrderID, closeOrder.Price)
		}
	}

	// 6. 仍持仓时再以最高价控制, 判断止盈
	if exec.Status() == models.ActivePosition {
		f.exchange.SetPrice(bar.High, now)
		exec.Control(now, bar.High)
		f.deliverFailures(exec)
		if tp := exec.TakeProfitOrder(); tp.State == executor.OrderPlaced && tp.Price.LessThanOrEqual(bar.High) {
			f.fill(exec, tp.OrderID, tp.Price)
		}
	}
	return nil
}

// deliverFailures 重试下单可能再次被拒, 直到没有新的拒单事件
func (f *FillEmulator) deliverFailures(exec executor.PositionLifecycle) {
	for {
		events := f.exchange.DrainFailed()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			exec.ProcessOrderFailed(ev)
		}
	}
}

func (f *FillEmulator) fill(exec executor.PositionLifecycle, orderID string, price decimal.Decimal) {
	order, err := f.exchange.GetOrder(orderID)
	if err != nil || order.Status != models.StatusNew {
		return
	}
	ev, err := f.exchange.Fill(orderID, price)
	if err != nil {
		f.logger.Warnf("模拟成交订单 %s 失败: %v", orderID, err)
		return
	}
	exec.ProcessOrderFilled(ev)
}
