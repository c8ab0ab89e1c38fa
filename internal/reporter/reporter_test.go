package reporter

import (
	"strings"
	"testing"
	"time"

	"hilow-signal-bot-go/internal/emulator"
	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func closedRecord(ct models.CloseType, pnlQuote, pnl, fees string) models.PositionRecord {
	return models.PositionRecord{
		ID:          "id-" + pnlQuote,
		TradingPair: "BTCTUSD",
		Status:      models.Completed,
		CloseType:   ct,
		CreatedAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		EntryPrice:  d("100"),
		ClosePrice:  d("101"),
		Amount:      d("1"),
		NetPnlQuote: d(pnlQuote),
		NetPnl:      d(pnl),
		CumFees:     d(fees),
	}
}

func sampleLedger() *Ledger {
	l := NewLedger()
	l.Add(closedRecord(models.CloseTakeProfit, "1", "0.01", "0.1"))
	l.Add(closedRecord(models.CloseStopLoss, "-0.8", "-0.008", "0.1"))
	l.Add(closedRecord(models.CloseStopLoss, "-0.4", "-0.004", "0.1"))
	l.Add(closedRecord(models.CloseTakeProfit, "2", "0.02", "0.1"))
	expired := closedRecord(models.CloseExpired, "0", "0", "0")
	expired.Amount = decimal.Zero
	l.Add(expired)
	l.Add(models.PositionRecord{ID: "open", Status: models.ActivePosition, Terminated: true})
	return l
}

func TestSummarize(t *testing.T) {
	m := sampleLedger().Summarize()

	assert.Equal(t, 5, m.TotalPositions)
	assert.Equal(t, 4, m.FilledPositions)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.InDelta(t, 50.0, m.WinRate, 1e-9)
	assert.InDelta(t, 1.5/0.6, m.AvgProfitLoss, 1e-9)
	assert.Equal(t, 2, m.CloseTypes[models.CloseTakeProfit])
	assert.Equal(t, 2, m.CloseTypes[models.CloseStopLoss])
	assert.Equal(t, 1, m.CloseTypes[models.CloseExpired])
	assert.True(t, m.TotalNetPnlQuote.Equal(d("1.8")))
	assert.True(t, m.TotalFees.Equal(d("0.4")))
	// 累计: 1, 0.2, -0.2, 1.8 => 峰值 1, 谷底 -0.2
	assert.True(t, m.MaxDrawdown.Equal(d("1.2")), "max drawdown %s", m.MaxDrawdown)
	assert.True(t, m.AvgNetPnlPct.Equal(d("0.45")), "avg pnl %s", m.AvgNetPnlPct)
	assert.Equal(t, 1, m.Unresolved)
}

func TestSummarizeEmpty(t *testing.T) {
	m := NewLedger().Summarize()
	assert.Zero(t, m.TotalPositions)
	assert.Zero(t, m.WinRate)
	assert.True(t, m.MaxDrawdown.IsZero())
}

func TestRenderPositions(t *testing.T) {
	l := sampleLedger()
	out := RenderPositions(append(l.Closed(), l.Unresolved()...), "TUSD")

	assert.Contains(t, out, "PNL TUSD")
	assert.Contains(t, out, "TAKE_PROFIT")
	assert.Contains(t, out, "UNRESOLVED")
	assert.Contains(t, out, "1.8000")
	assert.Equal(t, 5, strings.Count(out, "2024-03-01 00:00"))
}

func TestGenerateReport(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	result := &emulator.Result{
		Symbol:     "BTCTUSD",
		Closed:     sampleLedger().Closed(),
		Unresolved: sampleLedger().Unresolved(),
		Bars:       42,
	}

	m := GenerateReport(zap.New(core), result, "data.csv", "TUSD")
	assert.Equal(t, 5, m.TotalPositions)
	require.NotZero(t, logs.Len())
	assert.NotZero(t, logs.FilterMessageSnippet("data.csv").Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestGenerateReportListsOpenOrders(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	result := &emulator.Result{
		Symbol: "BTCTUSD",
		OpenOrders: []models.Order{
			{ID: "HL5", Type: models.Market, Side: models.Sell, Price: d("98.208"), Amount: d("1"), Status: models.StatusNew},
		},
	}

	GenerateReport(zap.New(core), result, "data.csv", "TUSD")
	entries := logs.FilterMessageSnippet("未成交挂单").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "HL5 MARKET SELL 1 @ 98.208")
}
