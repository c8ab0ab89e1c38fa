package models

import "time"

// StrategyState 定义了需要持久化的所有关键数据
type StrategyState struct {
	BotID           string           `json:"bot_id"`           // Bot的唯一标识符
	Symbol          string           `json:"symbol"`           // 交易对, e.g., "BTCTUSD"
	Version         int              `json:"version"`          // 状态模型的版本号，用于未来迁移
	Skew            SkewState        `json:"skew"`             // 下跌偏移状态, 用于恢复运行
	ClosedPositions []PositionRecord `json:"closed_positions"` // 已结束仓位的历史
	LastUpdateTime  time.Time        `json:"last_update_time"` // 状态最后更新的时间戳
}

// LastClosed 返回最近一个结束的仓位
func (s *StrategyState) LastClosed() *PositionRecord {
	if s == nil || len(s.ClosedPositions) == 0 {
		return nil
	}
	rec := s.ClosedPositions[len(s.ClosedPositions)-1]
	return &rec
}
