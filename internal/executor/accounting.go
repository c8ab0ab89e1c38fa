package executor

import (
	"fmt"
	"strings"

	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// EntryPrice 开仓单有成交时取成交均价, 否则取配置的挂单价
func (e *PositionExecutor) EntryPrice() decimal.Decimal {
	if e.openOrder.FilledAmount.IsPositive() {
		return e.openOrder.AvgFillPrice
	}
	return e.config.EntryPrice
}

// ClosePrice 止盈结束取止盈单均价, 其余取平仓单均价; 未平仓时为0
func (e *PositionExecutor) ClosePrice() decimal.Decimal {
	if e.closeType == models.CloseTakeProfit {
		return e.takeProfitOrder.AvgFillPrice
	}
	if e.closeOrder.FilledAmount.IsPositive() {
		return e.closeOrder.AvgFillPrice
	}
	return decimal.Zero
}

// FilledAmount 开仓单的成交数量
func (e *PositionExecutor) FilledAmount() decimal.Decimal {
	return e.openOrder.FilledAmount
}

func (e *PositionExecutor) CumFeeQuote() decimal.Decimal {
	return e.openOrder.CumFees.Add(e.takeProfitOrder.CumFees).Add(e.closeOrder.CumFees)
}

// TradePnl 不含手续费的收益率
func (e *PositionExecutor) TradePnl() decimal.Decimal {
	entry := e.EntryPrice()
	closePrice := e.ClosePrice()
	if !e.FilledAmount().IsPositive() || closePrice.IsZero() || entry.IsZero() {
		return decimal.Zero
	}
	return closePrice.Sub(entry).Div(entry)
}

// NetPnlQuote 扣除手续费后的计价货币收益. 没有成交时为0, 未平仓时只计已付手续费.
func (e *PositionExecutor) NetPnlQuote() decimal.Decimal {
	filled := e.FilledAmount()
	if !filled.IsPositive() {
		return decimal.Zero
	}
	closePrice := e.ClosePrice()
	if closePrice.IsZero() {
		return e.CumFeeQuote().Neg()
	}
	return closePrice.Sub(e.EntryPrice()).Mul(filled).Sub(e.CumFeeQuote())
}

// NetPnl 扣除手续费后的收益率
func (e *PositionExecutor) NetPnl() decimal.Decimal {
	notional := e.FilledAmount().Mul(e.EntryPrice())
	if !notional.IsPositive() {
		return decimal.Zero
	}
	return e.NetPnlQuote().Div(notional)
}

// Record 生成当前的结算快照
func (e *PositionExecutor) Record() models.PositionRecord {
	closeOrderID := e.closeOrder.OrderID
	if e.closeType == models.CloseTakeProfit {
		closeOrderID = e.takeProfitOrder.OrderID
	}
	return models.PositionRecord{
		ID:              e.id,
		TradingPair:     e.config.TradingPair,
		Side:            e.config.Side,
		Status:          e.status,
		CloseType:       e.closeType,
		Terminated:      e.terminated,
		CreatedAt:       e.config.Timestamp,
		EntryTime:       e.entryTime,
		CloseTime:       e.closeTime,
		EntryPrice:      e.EntryPrice(),
		ClosePrice:      e.ClosePrice(),
		StopLossPrice:   e.stopLossPrice,
		TakeProfitPrice: e.takeProfitPrice,
		Amount:          e.FilledAmount(),
		NetPnl:          e.NetPnl(),
		NetPnlQuote:     e.NetPnlQuote(),
		CumFees:         e.CumFeeQuote(),
		CloseOrderID:    closeOrderID,
	}
}

const progressBarWidth = 40

// FormatStatus 返回执行器的状态行, 持仓中的仓位额外带一个 止损 - 止盈 进度条
func (e *PositionExecutor) FormatStatus(price decimal.Decimal) []string {
	lines := []string{fmt.Sprintf("%s | %s %s | entry: %s | amount: %s | status: %s %s | pnl: %s%% (%s)",
		e.config.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		e.config.TradingPair,
		e.config.Side,
		e.EntryPrice().StringFixed(4),
		e.config.Amount.String(),
		e.status,
		e.closeType,
		e.NetPnl().Mul(decimal.NewFromInt(100)).StringFixed(2),
		e.NetPnlQuote().StringFixed(4),
	)}

	if e.status != models.ActivePosition || e.terminated {
		return lines
	}

	lower := e.stopLossPrice
	upper := e.takeProfitPrice
	if upper.IsZero() {
		upper = e.TakeProfitPrice(e.lastTick)
	}
	span := upper.Sub(lower)
	if !span.IsPositive() {
		return lines
	}
	pos := price.Sub(lower).Div(span).Mul(decimal.NewFromInt(progressBarWidth)).IntPart()
	if pos < 0 {
		pos = 0
	}
	if pos > progressBarWidth {
		pos = progressBarWidth
	}
	bar := strings.Repeat("=", int(pos)) + "|" + strings.Repeat(" ", progressBarWidth-int(pos))
	lines = append(lines, fmt.Sprintf("SL %s [%s] TP %s  price: %s",
		lower.StringFixed(4), bar, upper.StringFixed(4), price.StringFixed(4)))
	return lines
}
