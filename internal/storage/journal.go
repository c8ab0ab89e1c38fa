package storage

import (
	"database/sql"

	"hilow-signal-bot-go/internal/models"

	"go.uber.org/zap"
)

// Journal 把策略实例归档的仓位实时写入 sqlite
type Journal struct {
	db     *sql.DB
	runID  string
	logger *zap.Logger
}

func NewJournal(db *sql.DB, runID string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, runID: runID, logger: logger}
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) OnPositionClosed(rec models.PositionRecord) {
	if err := SavePosition(j.db, j.runID, rec); err != nil {
		j.logger.Error("写入仓位流水失败", zap.String("executor", rec.ID), zap.Error(err))
	}
}

func (j *Journal) OnSkewChanged(models.SkewState) {}
