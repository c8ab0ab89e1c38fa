package signal

import (
	"time"

	"hilow-signal-bot-go/internal/models"
)

// Gate 决定两次信号之间是否允许再次开仓
type Gate interface {
	Allow(now time.Time, last *models.PositionRecord) bool
}

// AlwaysAllow 不做任何限制
type AlwaysAllow struct{}

func (AlwaysAllow) Allow(time.Time, *models.PositionRecord) bool { return true }

// Cooldown 要求距上一个仓位结束至少 Period
type Cooldown struct {
	Period time.Duration
}

func (c Cooldown) Allow(now time.Time, last *models.PositionRecord) bool {
	if c.Period <= 0 || last == nil || last.CloseTime.IsZero() {
		return true
	}
	return now.Sub(last.CloseTime) >= c.Period
}

// GateFromConfig 未配置冷却时间时不做限制
func GateFromConfig(cfg *models.Config) Gate {
	if cfg.CooldownAfterSec <= 0 {
		return AlwaysAllow{}
	}
	return Cooldown{Period: time.Duration(cfg.CooldownAfterSec) * time.Second}
}
