package bot

import (
	"fmt"
	"time"

	"hilow-signal-bot-go/internal/exchange"
	"hilow-signal-bot-go/internal/executor"
	"hilow-signal-bot-go/internal/models"
	"hilow-signal-bot-go/internal/signal"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Listener 接收策略实例的状态变化, 例如状态管理器
type Listener interface {
	OnPositionClosed(rec models.PositionRecord)
	OnSkewChanged(skew models.SkewState)
}

// HiLowBot 是单个策略实例的上下文: 信号生成器、信号间隔限制、当前执行器以及已结束仓位的历史.
// 只在回放循环 (或信号监视器) 中单线程使用.
type HiLowBot struct {
	config    *models.Config
	exchange  exchange.Exchange
	signal    signal.SignalSource
	gate      signal.Gate
	logger    *zap.Logger
	sugar     *zap.SugaredLogger
	listeners []Listener

	active      executor.PositionLifecycle
	closed      []models.PositionRecord
	currentTime time.Time
}

// NewHiLowBot 创建一个新的策略实例
func NewHiLowBot(config *models.Config, ex exchange.Exchange, src signal.SignalSource, gate signal.Gate, logger *zap.Logger) *HiLowBot {
	if gate == nil {
		gate = signal.AlwaysAllow{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HiLowBot{
		config:   config,
		exchange: ex,
		signal:   src,
		gate:     gate,
		logger:   logger,
		sugar:    logger.Sugar().With("symbol", config.Symbol),
		closed:   make([]models.PositionRecord, 0),
	}
}

// AddListener 注册一个状态变化的监听者
func (b *HiLowBot) AddListener(l Listener) {
	b.listeners = append(b.listeners, l)
}

// Restore 从持久化状态恢复偏移状态和已结束仓位的历史
func (b *HiLowBot) Restore(state *models.StrategyState) {
	if state == nil {
		return
	}
	b.signal.SetSkew(state.Skew)
	b.closed = append(b.closed[:0], state.ClosedPositions...)
	b.sugar.Infof("已恢复状态: %d 个历史仓位, 偏移启用=%t", len(b.closed), state.Skew.Active)
	if last := state.LastClosed(); last != nil {
		b.sugar.Infof("最近一次平仓: %s %s @ %s (%s)", last.ID, last.CloseType, last.ClosePrice, last.CloseTime.Format(time.RFC3339))
	}
}

// OnTick 每根K线调用一次: 归档已结束的执行器, 更新下跌偏移, 然后判断是否开新仓
func (b *HiLowBot) OnTick(now time.Time, window []models.Bar) error {
	b.currentTime = now
	b.storeClosedExecutor()

	if b.signal.UpdateSkew(b.LastClosed(), window) {
		skew := b.signal.Skew()
		for _, l := range b.listeners {
			l.OnSkewChanged(skew)
		}
	}

	if b.active != nil {
		return nil
	}
	if len(window) < b.config.CandlesWindow {
		return nil
	}
	if !b.gate.Allow(now, b.LastClosed()) {
		return nil
	}

	bestAsk, err := b.exchange.BestAsk(b.config.Symbol)
	if err != nil {
		return fmt.Errorf("获取最优卖价失败: %w", err)
	}
	cfg, ok := b.signal.Evaluate(now, window, bestAsk)
	if !ok {
		return nil
	}

	exec, err := executor.New(cfg, b.exchange, b.logger)
	if err != nil {
		return fmt.Errorf("创建仓位执行器失败: %w", err)
	}
	b.active = exec
	b.sugar.Infof("新信号: 买入价 %s, 最优卖价 %s, 数量 %s", cfg.EntryPrice, bestAsk, cfg.Amount)
	return nil
}

func (b *HiLowBot) storeClosedExecutor() {
	if b.active == nil || !b.active.IsClosed() {
		return
	}
	rec := b.active.Record()
	b.closed = append(b.closed, rec)
	b.active = nil
	for _, l := range b.listeners {
		l.OnPositionClosed(rec)
	}
}

// Terminate 在数据结束时调用. 已结束的执行器正常归档, 仍未结束的执行器被强制终止并作为未决仓位返回.
func (b *HiLowBot) Terminate() *models.PositionRecord {
	b.storeClosedExecutor()
	if b.active == nil {
		return nil
	}
	b.active.Terminate()
	rec := b.active.Record()
	b.active = nil
	b.sugar.Warnf("数据结束时仍有未结束的仓位 (%s), 作为未决仓位报告", rec.Status)
	return &rec
}

// ActiveExecutor 返回当前执行器, 没有时为 nil
func (b *HiLowBot) ActiveExecutor() executor.PositionLifecycle {
	return b.active
}

// ClosedRecords 返回已结束仓位的副本
func (b *HiLowBot) ClosedRecords() []models.PositionRecord {
	out := make([]models.PositionRecord, len(b.closed))
	copy(out, b.closed)
	return out
}

func (b *HiLowBot) LastClosed() *models.PositionRecord {
	if len(b.closed) == 0 {
		return nil
	}
	rec := b.closed[len(b.closed)-1]
	return &rec
}

// Skew 返回当前的下跌偏移状态
func (b *HiLowBot) Skew() models.SkewState {
	return b.signal.Skew()
}

// FormatStatus 返回当前仓位和偏移状态的文本
func (b *HiLowBot) FormatStatus(price decimal.Decimal) []string {
	skew := b.signal.Skew()
	lines := []string{fmt.Sprintf("%s | closed: %d | skew active: %t (%s)",
		b.config.Symbol, len(b.closed), skew.Active, skew.Magnitude.String())}
	if b.active != nil {
		lines = append(lines, b.active.FormatStatus(price)...)
	}
	return lines
}
