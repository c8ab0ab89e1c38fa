package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Symbol     string `json:"symbol" validate:"required"` // 交易对，如 "BTCTUSD"
	QuoteAsset string `json:"quote_asset"`                // 计价货币, 用于报告, 如 "TUSD"
	Interval   string `json:"interval"`                   // K线周期, 如 "5m"
	DBPath     string `json:"db_path"`                    // badger 状态库路径, 为空则不持久化
	LedgerPath string `json:"ledger_path"`                // sqlite 平仓流水路径, 为空则不写入
	LiveAPIURL string `json:"live_api_url"`
	LiveWSURL  string `json:"live_ws_url"`

	// 信号参数
	OrderAmountQuote float64 `json:"order_amount_quote" validate:"required,gt=0"` // 每笔开仓的计价货币金额
	WhaleDiff        float64 `json:"whale_diff" validate:"gte=0,lt=1"`           // 相对最高低点的静态折扣
	BarsLookBack     int     `json:"bars_look_back" validate:"gte=1"`            // 最高低点回看K线数
	CandlesWindow    int     `json:"candles_window" validate:"gtefield=BarsLookBack,gtfield=ReversalLookBack"`
	PricePrecision   *int32  `json:"price_precision" validate:"omitempty,gte=0,lte=18"` // 买入价保留的小数位, 0 表示取整
	DowntrendSkew    float64 `json:"downtrend_skew" validate:"gte=0,lt=1"`    // 止损后额外折扣
	ReversalLookBack int     `json:"reversal_look_back" validate:"gte=1"`     // 反转确认所比较的K线间隔

	// 仓位参数
	TakeProfit              float64 `json:"take_profit" validate:"required,gt=0,lt=1"`
	StopLoss                float64 `json:"stop_loss" validate:"required,gt=0,lt=1"`
	TimeLimitSec            int64   `json:"time_limit_sec" validate:"gte=0"`             // 0 表示不限制
	OpenOrderTimeLimitSec   int64   `json:"open_order_time_limit_sec" validate:"gte=0"`  // 开仓挂单的有效时间
	SafeProfit              float64 `json:"safe_profit" validate:"gte=0,ltefield=TakeProfit"` // 持仓过久后降低的止盈率
	SafeProfitApplyAfterSec int64   `json:"safe_profit_apply_after_sec" validate:"gte=0"`
	Leverage                int     `json:"leverage" validate:"gte=1"`
	CooldownAfterSec        int64   `json:"cooldown_after_execution_sec" validate:"gte=0"` // 平仓后再次开仓的冷却时间

	// 回测引擎特定配置
	MakerFeeRate float64 `json:"maker_fee_rate" validate:"gte=0,lt=1"` // 挂单手续费率
	TakerFeeRate float64 `json:"taker_fee_rate" validate:"gte=0,lt=1"` // 吃单手续费率

	LogConfig LogConfig `json:"log"`
}

// DefaultPricePrecision 未配置 price_precision 时买入价保留的小数位
const DefaultPricePrecision int32 = 4

// PriceDecimals 返回买入价保留的小数位
func (c *Config) PriceDecimals() int32 {
	if c.PricePrecision == nil {
		return DefaultPricePrecision
	}
	return *c.PricePrecision
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Bar 是一根 OHLCV K线，时间戳为毫秒
type Bar struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Time 返回K线的开始时间
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp)
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType 订单类型
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus 是交易所侧的订单状态
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// Order 定义了交易所侧的订单记录
type Order struct {
	ID        string          `json:"id"`
	Pair      string          `json:"pair"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrderRequest 是执行器向交易所发出的下单请求
type OrderRequest struct {
	Pair   string
	Side   Side
	Type   OrderType
	Price  decimal.Decimal // 市价单也携带参考价, 回测中按此价成交
	Amount decimal.Decimal
}

// OrderFilledEvent 订单完全成交
type OrderFilledEvent struct {
	OrderID   string
	Timestamp time.Time
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Fee       decimal.Decimal // 以计价货币计
}

// OrderCanceledEvent 订单已撤销
type OrderCanceledEvent struct {
	OrderID   string
	Timestamp time.Time
}

// OrderFailedEvent 订单被交易所拒绝
type OrderFailedEvent struct {
	OrderID   string
	Timestamp time.Time
	Reason    string
}

// ExecutorStatus 仓位执行器的状态, 只能向前推进
type ExecutorStatus int

const (
	NotStarted ExecutorStatus = iota
	ActivePosition
	Completed
)

func (s ExecutorStatus) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case ActivePosition:
		return "ACTIVE_POSITION"
	case Completed:
		return "COMPLETED"
	default:
		return fmt.Sprintf("ExecutorStatus(%d)", int(s))
	}
}

// CloseType 记录仓位结束的原因
type CloseType string

const (
	CloseNone       CloseType = ""
	CloseTakeProfit CloseType = "TAKE_PROFIT"
	CloseStopLoss   CloseType = "STOP_LOSS"
	CloseExpired    CloseType = "EXPIRED"
	CloseTimeLimit  CloseType = "TIME_LIMIT"
	CloseFailed     CloseType = "FAILED"
)

// PositionConfig 是信号产生时的仓位参数快照, 创建后不再修改
type PositionConfig struct {
	Timestamp            time.Time       `json:"timestamp"`
	TradingPair          string          `json:"trading_pair"`
	Side                 Side            `json:"side"`
	EntryPrice           decimal.Decimal `json:"entry_price"`
	Amount               decimal.Decimal `json:"amount"`
	TakeProfit           decimal.Decimal `json:"take_profit"`
	StopLoss             decimal.Decimal `json:"stop_loss"`
	TimeLimit            time.Duration   `json:"time_limit"`            // 0 表示不限制
	OpenOrderTimeLimit   time.Duration   `json:"open_order_time_limit"` // 0 表示不限制
	SafeProfit           decimal.Decimal `json:"safe_profit"`
	SafeProfitApplyAfter time.Duration   `json:"safe_profit_apply_after"`
	Leverage             int             `json:"leverage"`
	DowntrendSkew        decimal.Decimal `json:"downtrend_skew"`
}

// ErrInvalidPositionConfig 仓位参数不合法
var ErrInvalidPositionConfig = errors.New("invalid position config")

// Validate 检查必填字段, 不做任何默认值填充
func (c PositionConfig) Validate() error {
	var problems []string
	if c.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if c.TradingPair == "" {
		problems = append(problems, "trading pair is required")
	}
	if c.Side != Buy {
		problems = append(problems, fmt.Sprintf("unsupported side %q", c.Side))
	}
	if !c.EntryPrice.IsPositive() {
		problems = append(problems, "entry price must be positive")
	}
	if !c.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if !c.TakeProfit.IsPositive() {
		problems = append(problems, "take profit rate must be positive")
	}
	if !c.StopLoss.IsPositive() || c.StopLoss.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		problems = append(problems, "stop loss rate must be in (0, 1)")
	}
	if c.SafeProfit.IsNegative() || c.SafeProfit.GreaterThan(c.TakeProfit) {
		problems = append(problems, "safe profit rate must be in [0, take profit]")
	}
	if c.TimeLimit < 0 || c.OpenOrderTimeLimit < 0 || c.SafeProfitApplyAfter < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if c.Leverage < 1 {
		problems = append(problems, "leverage must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPositionConfig, strings.Join(problems, "; "))
	}
	return nil
}

// SkewState 是策略实例级别的下跌偏移状态, 跨执行器保留
type SkewState struct {
	Active           bool            `json:"active"`
	Magnitude        decimal.Decimal `json:"magnitude"`
	LastCloseEventID string          `json:"last_close_event_id"` // 触发偏移的止损平仓事件, 见 PositionRecord.CloseEventID
}

// PositionRecord 是执行器的结算快照
type PositionRecord struct {
	ID              string          `json:"id"`
	TradingPair     string          `json:"trading_pair"`
	Side            Side            `json:"side"`
	Status          ExecutorStatus  `json:"status"`
	CloseType       CloseType       `json:"close_type"`
	Terminated      bool            `json:"terminated"` // 回测结束时被强制终止, 未平仓
	CreatedAt       time.Time       `json:"created_at"`
	EntryTime       time.Time       `json:"entry_time"`
	CloseTime       time.Time       `json:"close_time"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	ClosePrice      decimal.Decimal `json:"close_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	Amount          decimal.Decimal `json:"amount"`
	NetPnl          decimal.Decimal `json:"net_pnl"` // 比例, 0.01 表示 1%
	NetPnlQuote     decimal.Decimal `json:"net_pnl_quote"`
	CumFees         decimal.Decimal `json:"cum_fees"`
	CloseOrderID    string          `json:"close_order_id"`
}

// IsClosed 仓位是否已结束
// CloseEventID 标识一次平仓事件: 执行器ID加平仓单ID.
// 交易所订单ID每次运行都会从头编号, 单独使用会在恢复运行后重复.
func (r PositionRecord) CloseEventID() string {
	if r.CloseOrderID == "" {
		return ""
	}
	if r.ID == "" {
		return r.CloseOrderID
	}
	return r.ID + "/" + r.CloseOrderID
}

func (r PositionRecord) IsClosed() bool {
	return r.Status == Completed
}
