package executor

import (
	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// OrderState 是执行器视角下单个订单的生命周期
type OrderState int

const (
	OrderUnplaced OrderState = iota
	OrderPlaced
	OrderFilled
	OrderCanceled
	OrderFailed
)

func (s OrderState) String() string {
	switch s {
	case OrderUnplaced:
		return "UNPLACED"
	case OrderPlaced:
		return "PLACED"
	case OrderFilled:
		return "FILLED"
	case OrderCanceled:
		return "CANCELED"
	case OrderFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// TrackedOrder 跟踪执行器的开仓单、止盈单或平仓单
type TrackedOrder struct {
	OrderID      string
	Type         models.OrderType
	Side         models.Side
	Price        decimal.Decimal
	Amount       decimal.Decimal
	FilledAmount decimal.Decimal
	AvgFillPrice decimal.Decimal
	CumFees      decimal.Decimal
	State        OrderState

	retried bool
}

// reset 准备下一张订单. 上一张已经失败两次时不再给新订单重试机会,
// 之后每次控制流程只重下一次.
func (o *TrackedOrder) reset(typ models.OrderType, side models.Side, price, amount decimal.Decimal) {
	*o = TrackedOrder{
		Type:   typ,
		Side:   side,
		Price:  price,
		Amount: amount,
		// 同一个订单上的多次重下单共享手续费累计
		CumFees: o.CumFees,
		retried: o.State == OrderFailed,
	}
}

func (o *TrackedOrder) matches(orderID string) bool {
	return o.State == OrderPlaced && o.OrderID != "" && o.OrderID == orderID
}

// applyFill 累计成交, 成交量不会超过请求数量
func (o *TrackedOrder) applyFill(ev models.OrderFilledEvent) {
	o.CumFees = o.CumFees.Add(ev.Fee)

	amount := ev.Amount
	remaining := o.Amount.Sub(o.FilledAmount)
	if amount.GreaterThan(remaining) {
		amount = remaining
	}
	if amount.IsPositive() {
		if o.FilledAmount.IsZero() {
			o.AvgFillPrice = ev.Price
		} else {
			notional := o.AvgFillPrice.Mul(o.FilledAmount).Add(ev.Price.Mul(amount))
			o.AvgFillPrice = notional.Div(o.FilledAmount.Add(amount))
		}
		o.FilledAmount = o.FilledAmount.Add(amount)
	}

	if o.FilledAmount.GreaterThanOrEqual(o.Amount) {
		o.State = OrderFilled
	}
}
