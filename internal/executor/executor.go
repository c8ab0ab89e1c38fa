package executor

import (
	"errors"
	"fmt"
	"time"

	"hilow-signal-bot-go/internal/exchange"
	"hilow-signal-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNilPlacer     = errors.New("order placer is required")
	ErrNotCancelable = errors.New("executor is not cancelable")
)

var one = decimal.NewFromInt(1)

// executor ID 由交易对和信号时间派生, 同样的输入总是得到同样的ID
var executorNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("hilow-signal-bot-go/executor"))

// PositionLifecycle 是策略实例和回放引擎驱动一个仓位所需的能力
type PositionLifecycle interface {
	ID() string
	Config() models.PositionConfig
	Status() models.ExecutorStatus
	CloseType() models.CloseType
	IsClosed() bool
	IsTerminated() bool

	Control(now time.Time, price decimal.Decimal)
	ProcessOrderFilled(ev models.OrderFilledEvent)
	ProcessOrderCanceled(ev models.OrderCanceledEvent)
	ProcessOrderFailed(ev models.OrderFailedEvent)
	Cancel() error
	Terminate()

	OpenOrder() TrackedOrder
	TakeProfitOrder() TrackedOrder
	CloseOrder() TrackedOrder

	Record() models.PositionRecord
	FormatStatus(price decimal.Decimal) []string
}

var _ PositionLifecycle = (*PositionExecutor)(nil)

// PositionExecutor 管理单个仓位从挂开仓单到平仓的完整生命周期.
// 只由回放循环 (或信号监视器) 单线程驱动.
type PositionExecutor struct {
	id     string
	config models.PositionConfig
	placer exchange.OrderPlacer
	logger *zap.SugaredLogger

	status     models.ExecutorStatus
	closeType  models.CloseType
	terminated bool

	openOrder       TrackedOrder
	takeProfitOrder TrackedOrder
	closeOrder      TrackedOrder

	openCancelRequested bool
	stopLossPrice       decimal.Decimal
	takeProfitPrice     decimal.Decimal
	entryTime           time.Time
	closeTime           time.Time
	lastTick            time.Time
}

// New 校验仓位配置并创建执行器. 开仓单在第一次 Control 时才会下单.
func New(cfg models.PositionConfig, placer exchange.OrderPlacer, logger *zap.Logger) (*PositionExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if placer == nil {
		return nil, ErrNilPlacer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seed := fmt.Sprintf("%s/%d/%s", cfg.TradingPair, cfg.Timestamp.UnixMilli(), cfg.EntryPrice.String())
	id := uuid.NewSHA1(executorNamespace, []byte(seed)).String()

	e := &PositionExecutor{
		id:     id,
		config: cfg,
		placer: placer,
		logger: logger.Sugar().With("executor", id[:8], "pair", cfg.TradingPair),
		status: models.NotStarted,
	}
	e.openOrder.reset(models.Limit, cfg.Side, cfg.EntryPrice, cfg.Amount)
	return e, nil
}

func (e *PositionExecutor) ID() string                    { return e.id }
func (e *PositionExecutor) Config() models.PositionConfig { return e.config }
func (e *PositionExecutor) Status() models.ExecutorStatus { return e.status }
func (e *PositionExecutor) CloseType() models.CloseType   { return e.closeType }
func (e *PositionExecutor) IsClosed() bool                { return e.status == models.Completed }
func (e *PositionExecutor) IsTerminated() bool            { return e.terminated }
func (e *PositionExecutor) OpenOrder() TrackedOrder       { return e.openOrder }
func (e *PositionExecutor) TakeProfitOrder() TrackedOrder { return e.takeProfitOrder }
func (e *PositionExecutor) CloseOrder() TrackedOrder      { return e.closeOrder }
func (e *PositionExecutor) StopLossPrice() decimal.Decimal {
	return e.stopLossPrice
}
func (e *PositionExecutor) EntryTime() time.Time { return e.entryTime }
func (e *PositionExecutor) CloseTime() time.Time { return e.closeTime }

// Control 用参考价执行一次控制流程
func (e *PositionExecutor) Control(now time.Time, price decimal.Decimal) {
	if e.terminated || e.status == models.Completed {
		return
	}
	e.lastTick = now

	switch e.status {
	case models.NotStarted:
		e.controlOpenOrder(now)
	case models.ActivePosition:
		// 止损或时限平仓一旦触发就不再回到止盈, 平仓单失败时按原类型和价格重下
		if e.closing() {
			if e.closeOrder.State == OrderFailed {
				e.reissueCloseOrder()
			}
			return
		}
		e.controlStopLoss(price)
		if e.closing() {
			return
		}
		e.controlTakeProfit(now)
		e.controlTimeLimit(now, price)
	}
}

// closing 平仓单已经下过 (在途、失败或成交)
func (e *PositionExecutor) closing() bool {
	return e.closeOrder.State != OrderUnplaced
}

func (e *PositionExecutor) reissueCloseOrder() {
	e.closeOrder.reset(e.closeOrder.Type, e.closeOrder.Side, e.closeOrder.Price, e.closeOrder.Amount)
	e.submit(&e.closeOrder)
	if e.closeOrder.State == OrderPlaced {
		e.logger.Infof("重新下平仓单 %s (%s) @ %s", e.closeOrder.OrderID, e.closeType, e.closeOrder.Price)
	}
}

func (e *PositionExecutor) controlOpenOrder(now time.Time) {
	switch e.openOrder.State {
	case OrderUnplaced:
		if e.timeLimitReached(now) {
			e.logger.Infof("开仓单尚未下单但已超过仓位时限, 直接过期")
			e.complete(models.CloseExpired, now)
			return
		}
		e.submit(&e.openOrder)
		if e.openOrder.State == OrderPlaced {
			e.logger.Infof("已挂开仓单 %s: %s %s @ %s", e.openOrder.OrderID, e.openOrder.Side, e.openOrder.Amount, e.openOrder.Price)
		}
	case OrderPlaced:
		if e.openCancelRequested || e.config.OpenOrderTimeLimit <= 0 {
			return
		}
		if now.Before(e.config.Timestamp.Add(e.config.OpenOrderTimeLimit)) {
			return
		}
		e.requestOpenCancel("开仓单超时")
	}
}

func (e *PositionExecutor) requestOpenCancel(reason string) {
	e.openCancelRequested = true
	e.logger.Infof("%s, 撤销开仓单 %s", reason, e.openOrder.OrderID)
	if err := e.placer.CancelOrder(e.config.TradingPair, e.openOrder.OrderID); err != nil {
		e.logger.Warnf("撤销开仓单 %s 失败: %v", e.openOrder.OrderID, err)
	}
}

func (e *PositionExecutor) controlStopLoss(price decimal.Decimal) {
	if price.IsZero() || price.GreaterThan(e.stopLossPrice) {
		return
	}
	e.logger.Infof("触发止损: 参考价 %s <= 止损价 %s", price, e.stopLossPrice)
	e.placeCloseOrder(models.CloseStopLoss, e.stopLossPrice)
}

func (e *PositionExecutor) controlTakeProfit(now time.Time) {
	target := e.TakeProfitPrice(now)
	e.takeProfitPrice = target

	switch e.takeProfitOrder.State {
	case OrderUnplaced, OrderFailed, OrderCanceled:
		e.takeProfitOrder.reset(models.Limit, e.config.Side.Opposite(), target, e.openOrder.FilledAmount)
		e.submit(&e.takeProfitOrder)
		if e.takeProfitOrder.State == OrderPlaced {
			e.logger.Infof("已挂止盈单 %s @ %s", e.takeProfitOrder.OrderID, target)
		}
	case OrderPlaced:
		if e.takeProfitOrder.Price.Equal(target) {
			return
		}
		e.logger.Infof("止盈价变化 %s -> %s, 重新挂单", e.takeProfitOrder.Price, target)
		e.cancelTakeProfit()
		e.takeProfitOrder.reset(models.Limit, e.config.Side.Opposite(), target, e.openOrder.FilledAmount)
		e.submit(&e.takeProfitOrder)
	}
}

func (e *PositionExecutor) controlTimeLimit(now time.Time, price decimal.Decimal) {
	if !e.timeLimitReached(now) {
		return
	}
	e.logger.Infof("仓位达到时限, 以 %s 平仓", price)
	e.placeCloseOrder(models.CloseTimeLimit, price)
}

func (e *PositionExecutor) timeLimitReached(now time.Time) bool {
	if e.config.TimeLimit <= 0 {
		return false
	}
	return !now.Before(e.config.Timestamp.Add(e.config.TimeLimit))
}

// TakeProfitPrice 返回 now 时刻的止盈价. 持仓超过 SafeProfitApplyAfter 后使用较低的 SafeProfit.
func (e *PositionExecutor) TakeProfitPrice(now time.Time) decimal.Decimal {
	rate := e.config.TakeProfit
	if e.safeProfitApplies(now) {
		rate = e.config.SafeProfit
	}
	return e.EntryPrice().Mul(one.Add(rate))
}

func (e *PositionExecutor) safeProfitApplies(now time.Time) bool {
	if !e.config.SafeProfit.IsPositive() || e.config.SafeProfitApplyAfter <= 0 || e.entryTime.IsZero() {
		return false
	}
	return now.Sub(e.entryTime) >= e.config.SafeProfitApplyAfter
}

func (e *PositionExecutor) placeCloseOrder(ct models.CloseType, price decimal.Decimal) {
	e.closeType = ct
	e.cancelTakeProfit()

	amount := e.openOrder.FilledAmount.Sub(e.takeProfitOrder.FilledAmount)
	e.closeOrder.reset(models.Market, e.config.Side.Opposite(), price, amount)
	e.submit(&e.closeOrder)
	if e.closeOrder.State == OrderPlaced {
		e.logger.Infof("已下平仓单 %s (%s) @ %s", e.closeOrder.OrderID, ct, price)
	}
}

// cancelTakeProfit 本地立即标记止盈单为已撤销, 之后到达的撤单事件会被忽略
func (e *PositionExecutor) cancelTakeProfit() {
	if e.takeProfitOrder.State != OrderPlaced {
		return
	}
	if err := e.placer.CancelOrder(e.config.TradingPair, e.takeProfitOrder.OrderID); err != nil {
		e.logger.Warnf("撤销止盈单 %s 失败: %v", e.takeProfitOrder.OrderID, err)
	}
	e.takeProfitOrder.State = OrderCanceled
}

// submit 向交易所提交订单, 同步失败与异步拒单走同样的重试逻辑
func (e *PositionExecutor) submit(o *TrackedOrder) {
	id, err := e.placer.PlaceOrder(models.OrderRequest{
		Pair:   e.config.TradingPair,
		Side:   o.Side,
		Type:   o.Type,
		Price:  o.Price,
		Amount: o.Amount,
	})
	if err != nil {
		o.OrderID = ""
		o.State = OrderPlaced
		e.onOrderFailed(o, err.Error())
		return
	}
	o.OrderID = id
	o.State = OrderPlaced
}

// onOrderFailed 同一订单只重下一次, 第二次失败则标记为 FAILED
func (e *PositionExecutor) onOrderFailed(o *TrackedOrder, reason string) {
	if !o.retried {
		o.retried = true
		e.logger.Warnf("订单 %s 失败 (%s), 重新下单", o.OrderID, reason)
		e.submit(o)
		return
	}

	e.logger.Errorf("订单 %s 再次失败 (%s), 放弃", o.OrderID, reason)
	o.State = OrderFailed
	if o == &e.openOrder && e.status == models.NotStarted {
		e.complete(models.CloseFailed, e.lastTick)
	}
}

// ProcessOrderFilled 处理成交事件
func (e *PositionExecutor) ProcessOrderFilled(ev models.OrderFilledEvent) {
	if e.status == models.Completed {
		return
	}

	switch {
	case e.openOrder.matches(ev.OrderID):
		e.openOrder.applyFill(ev)
		if e.openOrder.State == OrderFilled && e.status == models.NotStarted {
			e.entryTime = ev.Timestamp
			e.stopLossPrice = e.EntryPrice().Mul(one.Sub(e.config.StopLoss))
			e.setStatus(models.ActivePosition)
			e.logger.Infof("开仓单成交 @ %s, 止损价 %s", e.openOrder.AvgFillPrice, e.stopLossPrice)
		}
	case e.closeOrder.matches(ev.OrderID):
		e.closeOrder.applyFill(ev)
		if e.closeOrder.State == OrderFilled {
			e.complete(e.closeType, ev.Timestamp)
		}
	case e.takeProfitOrder.matches(ev.OrderID):
		e.takeProfitOrder.applyFill(ev)
		if e.takeProfitOrder.State == OrderFilled {
			e.complete(models.CloseTakeProfit, ev.Timestamp)
		}
	}
}

// ProcessOrderCanceled 只有开仓单在 NOT_STARTED 时被撤销才会改变状态
func (e *PositionExecutor) ProcessOrderCanceled(ev models.OrderCanceledEvent) {
	if e.status != models.NotStarted || !e.openOrder.matches(ev.OrderID) {
		return
	}
	e.openOrder.State = OrderCanceled
	e.complete(models.CloseExpired, ev.Timestamp)
}

// ProcessOrderFailed 处理交易所拒单
func (e *PositionExecutor) ProcessOrderFailed(ev models.OrderFailedEvent) {
	if e.status == models.Completed {
		return
	}
	switch {
	case e.status == models.NotStarted && e.openOrder.matches(ev.OrderID):
		e.onOrderFailed(&e.openOrder, ev.Reason)
	case e.closeOrder.matches(ev.OrderID):
		e.onOrderFailed(&e.closeOrder, ev.Reason)
	case e.takeProfitOrder.matches(ev.OrderID):
		e.onOrderFailed(&e.takeProfitOrder, ev.Reason)
	}
}

// Cancel 外部撤销一个尚未成交的执行器. 撤单事件到达后结束为 EXPIRED.
func (e *PositionExecutor) Cancel() error {
	if e.status != models.NotStarted || e.terminated {
		return fmt.Errorf("%w: status %s", ErrNotCancelable, e.status)
	}
	if e.openOrder.State != OrderPlaced {
		e.complete(models.CloseExpired, e.lastTick)
		return nil
	}
	if !e.openCancelRequested {
		e.requestOpenCancel("外部撤销")
	}
	return nil
}

// Terminate 强制终止, 撤掉挂单但不会合成任何平仓成交
func (e *PositionExecutor) Terminate() {
	if e.terminated || e.status == models.Completed {
		return
	}
	e.terminated = true
	if e.openOrder.State == OrderPlaced && !e.openCancelRequested {
		if err := e.placer.CancelOrder(e.config.TradingPair, e.openOrder.OrderID); err != nil {
			e.logger.Warnf("终止时撤销开仓单失败: %v", err)
		}
	}
	e.cancelTakeProfit()
	e.logger.Infof("执行器被强制终止, 状态 %s", e.status)
}

func (e *PositionExecutor) complete(ct models.CloseType, ts time.Time) {
	e.closeType = ct
	if !ts.IsZero() {
		e.closeTime = ts
	}
	e.setStatus(models.Completed)
	e.logger.Infof("仓位结束: %s, 净收益 %s", ct, e.NetPnlQuote().StringFixed(4))
}

// setStatus 状态只能向前推进
func (e *PositionExecutor) setStatus(s models.ExecutorStatus) {
	if s <= e.status {
		return
	}
	e.status = s
}
