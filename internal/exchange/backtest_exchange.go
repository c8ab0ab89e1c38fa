package exchange

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"hilow-signal-bot-go/internal/models"

	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// BacktestExchange 实现了 Exchange 接口，用于在没有真实订单簿的情况下模拟交易所。
// 下单立即确认; 成交、撤单和拒单事件由回放循环显式取出并投递给执行器。
type BacktestExchange struct {
	Symbol       string
	MakerFeeRate decimal.Decimal // 挂单手续费率, LIMIT 单
	TakerFeeRate decimal.Decimal // 吃单手续费率, MARKET 单
	CurrentPrice decimal.Decimal // 当前参考价, 作为最优卖价返回
	CurrentTime  time.Time

	// RejectFunc 返回 true 时该订单会被拒绝, 用于模拟交易所拒单
	RejectFunc func(req models.OrderRequest) bool

	TotalFees   decimal.Decimal // 累积总手续费
	NextOrderID int64

	orders   map[string]*models.Order
	canceled []models.OrderCanceledEvent
	failed   []models.OrderFailedEvent
	mu       sync.Mutex
}

// NewBacktestExchange 创建一个新的 BacktestExchange 实例。
func NewBacktestExchange(cfg *models.Config) *BacktestExchange {
	return &BacktestExchange{
		Symbol:       cfg.Symbol,
		MakerFeeRate: decimal.NewFromFloat(cfg.MakerFeeRate),
		TakerFeeRate: decimal.NewFromFloat(cfg.TakerFeeRate),
		TotalFees:    decimal.Zero,
		NextOrderID:  1,
		orders:       make(map[string]*models.Order),
	}
}

// SetPrice 更新回放循环当前使用的参考价和时间
func (e *BacktestExchange) SetPrice(price decimal.Decimal, timestamp time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentPrice = price
	e.CurrentTime = timestamp
}

// BestAsk 在回测中返回当前参考价
func (e *BacktestExchange) BestAsk(pair string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CurrentPrice.IsZero() {
		return decimal.Zero, fmt.Errorf("no price for %s yet", pair)
	}
	return e.CurrentPrice, nil
}

// PlaceOrder 记录订单并立即返回订单ID. 被拒绝的订单会生成一个失败事件.
func (e *BacktestExchange) PlaceOrder(req models.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := "HL" + string(base62.FormatInt(e.NextOrderID))
	e.NextOrderID++

	order := &models.Order{
		ID:        id,
		Pair:      req.Pair,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    models.StatusNew,
		CreatedAt: e.CurrentTime,
	}
	e.orders[id] = order

	if e.RejectFunc != nil && e.RejectFunc(req) {
		order.Status = models.StatusRejected
		e.failed = append(e.failed, models.OrderFailedEvent{
			OrderID:   id,
			Timestamp: e.CurrentTime,
			Reason:    "rejected by backtest exchange",
		})
	}
	return id, nil
}

// CancelOrder 撤销一个未成交订单, 撤单事件在下一次 DrainCanceled 时投递
func (e *BacktestExchange) CancelOrder(pair, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != models.StatusNew {
		return fmt.Errorf("%w: %s is %s", ErrOrderNotOpen, orderID, order.Status)
	}
	order.Status = models.StatusCanceled
	e.canceled = append(e.canceled, models.OrderCanceledEvent{
		OrderID:   orderID,
		Timestamp: e.CurrentTime,
	})
	return nil
}

// Fill 以指定价格完全成交一个未成交订单, 返回要投递给执行器的成交事件
func (e *BacktestExchange) Fill(orderID string, price decimal.Decimal) (models.OrderFilledEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return models.OrderFilledEvent{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != models.StatusNew {
		return models.OrderFilledEvent{}, fmt.Errorf("%w: %s is %s", ErrOrderNotOpen, orderID, order.Status)
	}

	// 假设: LIMIT 单是 Maker, MARKET 单是 Taker
	feeRate := e.MakerFeeRate
	if order.Type == models.Market {
		feeRate = e.TakerFeeRate
	}
	fee := price.Mul(order.Amount).Mul(feeRate)
	e.TotalFees = e.TotalFees.Add(fee)
	order.Status = models.StatusFilled

	return models.OrderFilledEvent{
		OrderID:   orderID,
		Timestamp: e.CurrentTime,
		Price:     price,
		Amount:    order.Amount,
		Fee:       fee,
	}, nil
}

// GetOrder 返回订单副本
func (e *BacktestExchange) GetOrder(orderID string) (models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *order, nil
}

// GetOpenOrders 返回所有未成交订单, 按下单顺序排列
func (e *BacktestExchange) GetOpenOrders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	open := make([]models.Order, 0)
	for _, order := range e.orders {
		if order.Status == models.StatusNew {
			open = append(open, *order)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if len(open[i].ID) != len(open[j].ID) {
			return len(open[i].ID) < len(open[j].ID)
		}
		return open[i].ID < open[j].ID
	})
	return open
}

// DrainCanceled 取出并清空待投递的撤单事件
func (e *BacktestExchange) DrainCanceled() []models.OrderCanceledEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.canceled
	e.canceled = nil
	return events
}

// DrainFailed 取出并清空待投递的拒单事件
func (e *BacktestExchange) DrainFailed() []models.OrderFailedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.failed
	e.failed = nil
	return events
}
