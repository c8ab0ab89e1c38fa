package signal

import (
	"testing"
	"time"

	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func barsFromLows(lows ...string) []models.Bar {
	bars := make([]models.Bar, len(lows))
	for i, low := range lows {
		l := d(low)
		bars[i] = models.Bar{
			Timestamp: t0.Add(time.Duration(i) * 5 * time.Minute).UnixMilli(),
			Open:      l.Add(d("1")),
			High:      l.Add(d("2")),
			Low:       l,
			Close:     l.Add(d("1")),
			Volume:    d("10"),
		}
	}
	return bars
}

func testParams() Params {
	return Params{
		TradingPair:      "BTCTUSD",
		BarsLookBack:     4,
		CandlesWindow:    4,
		ReversalLookBack: 7,
		PricePrecision:   4,
		WhaleDiff:        d("0.01"),
		DowntrendSkew:    d("0.0035"),
		OrderAmountQuote: d("99"),
		TakeProfit:       d("0.01"),
		StopLoss:         d("0.008"),
		Leverage:         1,
	}
}

func TestHighestLow(t *testing.T) {
	bars := barsFromLows("100", "99", "97", "96", "94")

	hl, ok := HighestLow(bars[:4], 4)
	require.True(t, ok)
	assert.True(t, hl.Equal(d("100")))

	hl, ok = HighestLow(bars, 4)
	require.True(t, ok)
	assert.True(t, hl.Equal(d("99")))

	_, ok = HighestLow(bars[:3], 4)
	assert.False(t, ok)
}

func TestEvaluateFiveBarScenario(t *testing.T) {
	g := NewGenerator(testParams(), zap.NewNop())
	bars := barsFromLows("100", "99", "97", "96", "94")
	window, current := bars[:4], bars[4]

	price, ok := g.BuyPrice(window)
	require.True(t, ok)
	assert.Equal(t, "99", price.String())

	cfg, ok := g.Evaluate(current.Time(), window, current.Low)
	require.True(t, ok)
	assert.True(t, cfg.EntryPrice.Equal(d("99")))
	assert.True(t, cfg.Amount.Equal(d("1")))
	assert.Equal(t, models.Buy, cfg.Side)
	assert.True(t, cfg.Timestamp.Equal(current.Time()))
	assert.NoError(t, cfg.Validate())

	_, ok = g.Evaluate(current.Time(), window, d("99.0001"))
	assert.False(t, ok, "buy price below best ask must not signal")

	_, ok = g.Evaluate(current.Time(), window[:3], current.Low)
	assert.False(t, ok, "window not ready")
}

func TestBuyPriceUsesBankersRounding(t *testing.T) {
	params := testParams()
	params.WhaleDiff = decimal.Zero
	params.PricePrecision = 2
	g := NewGenerator(params, nil)

	price, ok := g.BuyPrice(barsFromLows("1", "1", "1", "10.125"))
	require.True(t, ok)
	assert.Equal(t, "10.12", price.String())

	price, ok = g.BuyPrice(barsFromLows("1", "1", "1", "10.135"))
	require.True(t, ok)
	assert.Equal(t, "10.14", price.String())
}

func TestSkewActivatesAfterStopLossAndResets(t *testing.T) {
	params := testParams()
	params.CandlesWindow = 10
	g := NewGenerator(params, zap.NewNop())

	// 持续下跌的窗口, 没有反转
	window := barsFromLows("110", "109", "108", "107", "106", "105", "104", "103", "102", "101")
	plain, _ := g.BuyPrice(window)

	last := &models.PositionRecord{CloseType: models.CloseStopLoss, CloseOrderID: "HL7"}
	assert.True(t, g.UpdateSkew(last, window))
	assert.True(t, g.Skew().Active)
	assert.True(t, g.Skew().Magnitude.Equal(d("0.0035")))

	skewed, _ := g.BuyPrice(window)
	assert.True(t, skewed.LessThan(plain), "skewed %s plain %s", skewed, plain)

	// 同一次止损不会重复触发
	assert.False(t, g.UpdateSkew(last, window))

	cfg, ok := g.Evaluate(t0, window, d("50"))
	require.True(t, ok)
	assert.True(t, cfg.DowntrendSkew.Equal(d("0.0035")))

	// 最新低点高于7根之前的低点: 反转确认
	reversal := barsFromLows("109", "108", "100", "106", "105", "104", "103", "102", "101", "105")
	assert.True(t, g.UpdateSkew(last, reversal))
	assert.False(t, g.Skew().Active)
	assert.True(t, g.Skew().Magnitude.IsZero())
	assert.Equal(t, "HL7", g.Skew().LastCloseEventID)

	plainAgain, _ := g.BuyPrice(window)
	assert.True(t, plainAgain.Equal(plain))

	// 新的止损再次激活
	next := &models.PositionRecord{CloseType: models.CloseStopLoss, CloseOrderID: "HL9"}
	assert.True(t, g.UpdateSkew(next, window))
	assert.True(t, g.Skew().Active)
}

func TestSkewIgnoresNonStopLossCloses(t *testing.T) {
	g := NewGenerator(testParams(), zap.NewNop())
	window := barsFromLows("100", "99", "98", "97")
	for _, ct := range []models.CloseType{models.CloseTakeProfit, models.CloseExpired, models.CloseTimeLimit, models.CloseFailed} {
		assert.False(t, g.UpdateSkew(&models.PositionRecord{CloseType: ct, CloseOrderID: "X"}, window))
	}
	assert.False(t, g.UpdateSkew(nil, window))
	assert.False(t, g.Skew().Active)
}

func TestReversalNeedsEnoughBars(t *testing.T) {
	assert.False(t, reversalConfirmed(barsFromLows("1", "2", "3"), 7))
	assert.True(t, reversalConfirmed(barsFromLows("1", "0.5", "0.5", "0.5", "0.5", "0.5", "0.5", "2"), 7))
	assert.False(t, reversalConfirmed(barsFromLows("3", "0.5", "0.5", "0.5", "0.5", "0.5", "0.5", "2"), 7))
}

func TestParamsFromConfig(t *testing.T) {
	cfg := &models.Config{
		Symbol:                  "BTCTUSD",
		OrderAmountQuote:        100,
		WhaleDiff:               0.001,
		BarsLookBack:            4,
		CandlesWindow:           10,
		ReversalLookBack:        7,
		DowntrendSkew:           0.0035,
		TakeProfit:              0.01,
		StopLoss:                0.008,
		TimeLimitSec:            3600,
		SafeProfit:              0.004,
		SafeProfitApplyAfterSec: 1800,
		Leverage:                1,
	}
	p := ParamsFromConfig(cfg)
	assert.Equal(t, "0.0035", p.DowntrendSkew.String())
	assert.Equal(t, time.Hour, p.TimeLimit)
	assert.Equal(t, 30*time.Minute, p.SafeProfitApplyAfter)
	assert.Equal(t, time.Duration(0), p.OpenOrderTimeLimit)
	assert.Equal(t, int32(4), p.PricePrecision)

	zero := int32(0)
	cfg.PricePrecision = &zero
	assert.Equal(t, int32(0), ParamsFromConfig(cfg).PricePrecision)
}

func TestGates(t *testing.T) {
	now := t0.Add(time.Hour)
	assert.True(t, AlwaysAllow{}.Allow(now, &models.PositionRecord{CloseTime: now}))

	gate := Cooldown{Period: 30 * time.Minute}
	assert.True(t, gate.Allow(now, nil))
	assert.False(t, gate.Allow(now, &models.PositionRecord{CloseTime: now.Add(-10 * time.Minute)}))
	assert.True(t, gate.Allow(now, &models.PositionRecord{CloseTime: now.Add(-30 * time.Minute)}))

	assert.IsType(t, AlwaysAllow{}, GateFromConfig(&models.Config{}))
	assert.Equal(t, Cooldown{Period: time.Minute}, GateFromConfig(&models.Config{CooldownAfterSec: 60}))
}
