package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultWSBaseURL = "wss://stream.binance.com:9443"

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
)

// bookTickerEvent 是 <symbol>@bookTicker 流推送的最优挂单
type bookTickerEvent struct {
	UpdateID int64           `json:"u"`
	Symbol   string          `json:"s"`
	BidPrice decimal.Decimal `json:"b"`
	BidQty   decimal.Decimal `json:"B"`
	AskPrice decimal.Decimal `json:"a"`
	AskQty   decimal.Decimal `json:"A"`
}

// LiveMarket 订阅实时最优卖价, 只读行情, 不下单.
// 缓存过期或未连接时回退到 REST 查询.
type LiveMarket struct {
	symbol    string
	wsBaseURL string
	client    *binance.Client
	logger    *zap.SugaredLogger
	maxAge    time.Duration
	retryWait time.Duration

	mu      sync.RWMutex
	ask     decimal.Decimal
	updated time.Time
}

// NewLiveMarket 创建行情源, apiURL/wsURL 为空时使用币安默认地址
func NewLiveMarket(symbol, apiURL, wsURL string, logger *zap.Logger) *LiveMarket {
	client := binance.NewClient("", "")
	if apiURL != "" {
		client.BaseURL = apiURL
	}
	if wsURL == "" {
		wsURL = defaultWSBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveMarket{
		symbol:    symbol,
		wsBaseURL: strings.TrimRight(wsURL, "/"),
		client:    client,
		logger:    logger.Sugar(),
		maxAge:    10 * time.Second,
		retryWait: 5 * time.Second,
	}
}

// CachedAsk 返回最近一次推送的卖一价
func (m *LiveMarket) CachedAsk() (decimal.Decimal, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ask, m.updated, !m.updated.IsZero()
}

// BestAsk 实现 PriceSource
func (m *LiveMarket) BestAsk(pair string) (decimal.Decimal, error) {
	if pair == m.symbol {
		if ask, updated, ok := m.CachedAsk(); ok && time.Since(updated) < m.maxAge {
			return ask, nil
		}
	}
	return m.fetchAsk(context.Background(), pair)
}

func (m *LiveMarket) fetchAsk(ctx context.Context, pair string) (decimal.Decimal, error) {
	tickers, err := m.client.NewListBookTickersService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询 %s 最优挂单失败: %w", pair, err)
	}
	for _, t := range tickers {
		if t.Symbol != pair {
			continue
		}
		ask, err := decimal.NewFromString(t.AskPrice)
		if err != nil {
			return decimal.Zero, fmt.Errorf("卖一价格式错误 %q: %w", t.AskPrice, err)
		}
		if pair == m.symbol {
			m.setAsk(ask)
		}
		return ask, nil
	}
	return decimal.Zero, fmt.Errorf("没有 %s 的最优挂单", pair)
}

func (m *LiveMarket) setAsk(ask decimal.Decimal) {
	m.mu.Lock()
	m.ask = ask
	m.updated = time.Now()
	m.mu.Unlock()
}

// Run 维持 WebSocket 连接和重连, 直到 ctx 结束
func (m *LiveMarket) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			m.logger.Info("行情WebSocket循环已停止。")
			return
		}

		conn, err := m.connect(ctx)
		if err != nil {
			m.logger.Warnf("WebSocket连接失败: %v。%s后重试...", err, m.retryWait)
		} else {
			m.logger.Info("WebSocket连接成功。")
			if err := m.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
				m.logger.Warnf("WebSocket处理时发生错误: %v", err)
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
		case <-time.After(m.retryWait):
		}
	}
}

func (m *LiveMarket) connect(ctx context.Context) (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s/ws/%s@bookTicker", m.wsBaseURL, strings.ToLower(m.symbol))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop 阻塞读取直到连接断开或 ctx 结束
func (m *LiveMarket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					m.logger.Warnf("发送Ping失败: %v", err)
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 让 ReadMessage 返回
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var ev bookTickerEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			m.logger.Warnf("解析最优挂单失败: %v", err)
			continue
		}
		if !ev.AskPrice.IsPositive() {
			continue
		}
		m.setAsk(ev.AskPrice)
	}
}
