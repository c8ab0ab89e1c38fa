package signal

import (
	"time"

	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

// amountPrecision 开仓数量保留的小数位
const amountPrecision = 8

// SignalSource 是策略实例对信号生成器的依赖
type SignalSource interface {
	UpdateSkew(last *models.PositionRecord, window []models.Bar) bool
	Evaluate(now time.Time, window []models.Bar, bestAsk decimal.Decimal) (models.PositionConfig, bool)
	Skew() models.SkewState
	SetSkew(s models.SkewState)
}

var _ SignalSource = (*Generator)(nil)

// Params 是信号生成器和由它创建的仓位所用的参数
type Params struct {
	TradingPair      string
	BarsLookBack     int
	CandlesWindow    int
	ReversalLookBack int
	PricePrecision   int32
	WhaleDiff        decimal.Decimal
	DowntrendSkew    decimal.Decimal
	OrderAmountQuote decimal.Decimal

	TakeProfit           decimal.Decimal
	StopLoss             decimal.Decimal
	SafeProfit           decimal.Decimal
	SafeProfitApplyAfter time.Duration
	TimeLimit            time.Duration
	OpenOrderTimeLimit   time.Duration
	Leverage             int
}

// ParamsFromConfig 把配置文件里的浮点参数转换为 decimal
func ParamsFromConfig(cfg *models.Config) Params {
	return Params{
		TradingPair:          cfg.Symbol,
		BarsLookBack:         cfg.BarsLookBack,
		CandlesWindow:        cfg.CandlesWindow,
		ReversalLookBack:     cfg.ReversalLookBack,
		PricePrecision:       cfg.PriceDecimals(),
		WhaleDiff:            decimal.NewFromFloat(cfg.WhaleDiff),
		DowntrendSkew:        decimal.NewFromFloat(cfg.DowntrendSkew),
		OrderAmountQuote:     decimal.NewFromFloat(cfg.OrderAmountQuote),
		TakeProfit:           decimal.NewFromFloat(cfg.TakeProfit),
		StopLoss:             decimal.NewFromFloat(cfg.StopLoss),
		SafeProfit:           decimal.NewFromFloat(cfg.SafeProfit),
		SafeProfitApplyAfter: time.Duration(cfg.SafeProfitApplyAfterSec) * time.Second,
		TimeLimit:            time.Duration(cfg.TimeLimitSec) * time.Second,
		OpenOrderTimeLimit:   time.Duration(cfg.OpenOrderTimeLimitSec) * time.Second,
		Leverage:             cfg.Leverage,
	}
}

// Generator 根据最近K线的最高低点决定是否开仓, 并维护止损后的下跌偏移
type Generator struct {
	params Params
	skew   models.SkewState
	logger *zap.SugaredLogger
}

func NewGenerator(params Params, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		params: params,
		skew:   models.SkewState{Magnitude: decimal.Zero},
		logger: logger.Sugar(),
	}
}

func (g *Generator) Params() Params             { return g.params }
func (g *Generator) Skew() models.SkewState     { return g.skew }
func (g *Generator) SetSkew(s models.SkewState) { g.skew = s }

// HighestLow 返回窗口末尾 lookBack 根K线的最高低点. 数据不足时返回 false.
func HighestLow(window []models.Bar, lookBack int) (decimal.Decimal, bool) {
	if lookBack < 1 || len(window) < lookBack {
		return decimal.Zero, false
	}
	highest := window[len(window)-lookBack].Low
	for _, bar := range window[len(window)-lookBack+1:] {
		if bar.Low.GreaterThan(highest) {
			highest = bar.Low
		}
	}
	return highest, true
}

// BuyPrice = highest_low * (1 - whale_diff) * (1 - skew), 银行家舍入
func (g *Generator) BuyPrice(window []models.Bar) (decimal.Decimal, bool) {
	highestLow, ok := HighestLow(window, g.params.BarsLookBack)
	if !ok {
		return decimal.Zero, false
	}
	price := highestLow.
		Mul(one.Sub(g.params.WhaleDiff)).
		Mul(one.Sub(g.currentSkew())).
		RoundBank(g.params.PricePrecision)
	return price, true
}

func (g *Generator) currentSkew() decimal.Decimal {
	if !g.skew.Active {
		return decimal.Zero
	}
	return g.skew.Magnitude
}

// UpdateSkew 每根K线在评估信号前调用, 返回偏移状态是否变化.
// 最近一次止损平仓 (且不是已记录的那一次) 会激活偏移;
// 激活期间, 最新K线的低点高于 ReversalLookBack 根之前的低点时取消偏移.
func (g *Generator) UpdateSkew(last *models.PositionRecord, window []models.Bar) bool {
	if last != nil && last.CloseType == models.CloseStopLoss {
		if event := last.CloseEventID(); event != "" && event != g.skew.LastCloseEventID {
			g.skew = models.SkewState{
				Active:           true,
				Magnitude:        g.params.DowntrendSkew,
				LastCloseEventID: event,
			}
			g.logger.Infof("止损平仓 %s, 启用下跌偏移 %s", event, g.params.DowntrendSkew)
			return true
		}
	}

	if g.skew.Active && reversalConfirmed(window, g.params.ReversalLookBack) {
		g.skew.Active = false
		g.skew.Magnitude = decimal.Zero
		g.logger.Infof("价格反转确认, 取消下跌偏移")
		return true
	}
	return false
}

func reversalConfirmed(window []models.Bar, lag int) bool {
	n := len(window)
	if lag < 1 || n <= lag {
		return false
	}
	return window[n-1].Low.GreaterThan(window[n-1-lag].Low)
}

// Evaluate 当买入价不低于最优卖价时返回新仓位的配置.
// 是否已有持仓以及信号间隔由策略实例判断.
func (g *Generator) Evaluate(now time.Time, window []models.Bar, bestAsk decimal.Decimal) (models.PositionConfig, bool) {
	if len(window) < g.params.CandlesWindow || !bestAsk.IsPositive() {
		return models.PositionConfig{}, false
	}
	buyPrice, ok := g.BuyPrice(window)
	if !ok || !buyPrice.IsPositive() || buyPrice.LessThan(bestAsk) {
		return models.PositionConfig{}, false
	}
	amount := g.params.OrderAmountQuote.DivRound(buyPrice, amountPrecision)
	if !amount.IsPositive() {
		return models.PositionConfig{}, false
	}

	g.logger.Debugf("信号触发: 买入价 %s >= 最优卖价 %s, 数量 %s", buyPrice, bestAsk, amount)
	return models.PositionConfig{
		Timestamp:            now,
		TradingPair:          g.params.TradingPair,
		Side:                 models.Buy,
		EntryPrice:           buyPrice,
		Amount:               amount,
		TakeProfit:           g.params.TakeProfit,
		StopLoss:             g.params.StopLoss,
		TimeLimit:            g.params.TimeLimit,
		OpenOrderTimeLimit:   g.params.OpenOrderTimeLimit,
		SafeProfit:           g.params.SafeProfit,
		SafeProfitApplyAfter: g.params.SafeProfitApplyAfter,
		Leverage:             g.params.Leverage,
		DowntrendSkew:        g.currentSkew(),
	}, true
}
