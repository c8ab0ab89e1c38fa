package exchange

import (
	"errors"

	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderNotOpen  = errors.New("order is not open")
)

// OrderPlacer 是执行器对交易所的全部依赖: 下单与撤单.
// 成交/撤销/拒绝通过事件回调给执行器.
type OrderPlacer interface {
	PlaceOrder(req models.OrderRequest) (string, error)
	CancelOrder(pair, orderID string) error
}

// PriceSource 提供当前最优卖价
type PriceSource interface {
	BestAsk(pair string) (decimal.Decimal, error)
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得策略可以在回测与实时行情之间切换。
type Exchange interface {
	OrderPlacer
	PriceSource
}
