package reporter

import (
	"fmt"
	"sort"
	"time"

	"hilow-signal-bot-go/internal/emulator"
	"hilow-signal-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	TotalPositions   int // 已结束仓位数, 包括未成交就过期的
	FilledPositions  int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64 // 百分比, 只统计有成交的仓位
	AvgProfitLoss    float64 // 平均盈利 / 平均亏损
	CloseTypes       map[models.CloseType]int
	TotalNetPnlQuote decimal.Decimal
	TotalFees        decimal.Decimal
	AvgNetPnlPct     decimal.Decimal
	MaxDrawdown      decimal.Decimal // 累计净收益曲线上的最大回撤, 计价货币
	Unresolved       int
	StartTime        time.Time
	EndTime          time.Time
}

// Ledger 累积仓位的结算快照
type Ledger struct {
	closed     []models.PositionRecord
	unresolved []models.PositionRecord
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Add 按仓位是否结束分别记账
func (l *Ledger) Add(rec models.PositionRecord) {
	if rec.IsClosed() {
		l.closed = append(l.closed, rec)
		return
	}
	l.unresolved = append(l.unresolved, rec)
}

// AddResult 记录一次回放的全部仓位
func (l *Ledger) AddResult(result *emulator.Result) {
	for _, rec := range result.Closed {
		l.Add(rec)
	}
	for _, rec := range result.Unresolved {
		l.Add(rec)
	}
}

func (l *Ledger) Closed() []models.PositionRecord     { return l.closed }
func (l *Ledger) Unresolved() []models.PositionRecord { return l.unresolved }

// Summarize 计算汇总指标
func (l *Ledger) Summarize() Metrics {
	m := Metrics{
		TotalPositions:   len(l.closed),
		CloseTypes:       make(map[models.CloseType]int),
		TotalNetPnlQuote: decimal.Zero,
		TotalFees:        decimal.Zero,
		AvgNetPnlPct:     decimal.Zero,
		MaxDrawdown:      decimal.Zero,
		Unresolved:       len(l.unresolved),
	}

	var totalProfit, totalLoss float64
	sumPnl := decimal.Zero
	cumulative := decimal.Zero
	peak := decimal.Zero

	for _, rec := range l.closed {
		m.CloseTypes[rec.CloseType]++
		m.TotalFees = m.TotalFees.Add(rec.CumFees)
		if !rec.Amount.IsPositive() {
			continue
		}
		m.FilledPositions++
		m.TotalNetPnlQuote = m.TotalNetPnlQuote.Add(rec.NetPnlQuote)
		sumPnl = sumPnl.Add(rec.NetPnl)

		pnl := rec.NetPnlQuote.InexactFloat64()
		if rec.NetPnlQuote.IsPositive() {
			m.WinningTrades++
			totalProfit += pnl
		} else if rec.NetPnlQuote.IsNegative() {
			m.LosingTrades++
			totalLoss += pnl
		}

		cumulative = cumulative.Add(rec.NetPnlQuote)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if dd := peak.Sub(cumulative); dd.GreaterThan(m.MaxDrawdown) {
			m.MaxDrawdown = dd
		}
	}

	if m.FilledPositions > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.FilledPositions) * 100
		m.AvgNetPnlPct = sumPnl.Div(decimal.NewFromInt(int64(m.FilledPositions))).Mul(hundred)
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := -totalLoss / float64(m.LosingTrades)
		m.AvgProfitLoss = avgWin / avgLoss
	}
	return m
}

// RenderPositions 把仓位列表渲染为表格
func RenderPositions(records []models.PositionRecord, quote string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Created", "Status", "Close Type", "Entry", "Close", "Amount", "PnL %", "PnL " + quote, "Fees"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
		{Number: 10, Align: text.AlignRight},
	})

	total := decimal.Zero
	for i, rec := range records {
		status := rec.Status.String()
		if rec.Terminated {
			status = "UNRESOLVED"
		}
		closeType := string(rec.CloseType)
		if closeType == "" {
			closeType = "-"
		}
		t.AppendRow(table.Row{
			i + 1,
			rec.CreatedAt.UTC().Format("2006-01-02 15:04"),
			status,
			closeType,
			rec.EntryPrice.StringFixed(4),
			rec.ClosePrice.StringFixed(4),
			rec.Amount.String(),
			rec.NetPnl.Mul(hundred).StringFixed(2),
			rec.NetPnlQuote.StringFixed(4),
			rec.CumFees.StringFixed(4),
		})
		total = total.Add(rec.NetPnlQuote)
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", total.StringFixed(4), ""})
	return t.Render()
}

// GenerateReport 打印回测报告
func GenerateReport(logger *zap.Logger, result *emulator.Result, dataPath, quote string) Metrics {
	log := logger.Sugar()
	ledger := NewLedger()
	ledger.AddResult(result)
	metrics := ledger.Summarize()
	metrics.StartTime = result.Start
	metrics.EndTime = result.End

	log.Info("========== 回测结果报告 ==========")
	log.Infof("数据文件:         %s", dataPath)
	log.Infof("交易对:           %s", result.Symbol)
	log.Infof("回测周期:         %s 到 %s (%d 根K线)", metrics.StartTime.UTC().Format("2006-01-02 15:04"), metrics.EndTime.UTC().Format("2006-01-02 15:04"), result.Bars)
	log.Info("------------------------------------")
	log.Infof("已结束仓位:       %d (有成交 %d)", metrics.TotalPositions, metrics.FilledPositions)
	log.Infof("盈利次数:         %d", metrics.WinningTrades)
	log.Infof("亏损次数:         %d", metrics.LosingTrades)
	log.Infof("胜率:             %.2f%%", metrics.WinRate)
	log.Infof("平均盈亏比:       %.2f", metrics.AvgProfitLoss)
	log.Infof("平均收益率:       %s%%", metrics.AvgNetPnlPct.StringFixed(3))
	log.Infof("总净收益:         %s %s", metrics.TotalNetPnlQuote.StringFixed(4), quote)
	log.Infof("总手续费:         %s %s", metrics.TotalFees.StringFixed(4), quote)
	log.Infof("最大回撤:         %s %s", metrics.MaxDrawdown.StringFixed(4), quote)
	log.Info("--- 平仓类型 ---")
	for _, ct := range sortedCloseTypes(metrics.CloseTypes) {
		log.Infof("%-17s %d", string(ct)+":", metrics.CloseTypes[ct])
	}
	if metrics.Unresolved > 0 {
		log.Warnf("未决仓位:         %d (数据结束时被强制终止)", metrics.Unresolved)
	}
	for _, o := range result.OpenOrders {
		log.Warnf("未成交挂单:       %s %s %s %s @ %s", o.ID, o.Type, o.Side, o.Amount, o.Price)
	}
	log.Infof("下跌偏移:         active=%t magnitude=%s", result.FinalSkew.Active, result.FinalSkew.Magnitude)
	log.Info("===================================")

	all := append(append([]models.PositionRecord{}, ledger.Closed()...), ledger.Unresolved()...)
	if len(all) > 0 {
		fmt.Println(RenderPositions(all, quote))
	}
	return metrics
}

func sortedCloseTypes(counts map[models.CloseType]int) []models.CloseType {
	types := make([]models.CloseType, 0, len(counts))
	for ct := range counts {
		types = append(types, ct)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
