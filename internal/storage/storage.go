package storage

import (
	"database/sql"
	"fmt"
	"time"

	"hilow-signal-bot-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
	"github.com/shopspring/decimal"
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 只允许单写者, ":memory:" 每个连接都是独立的库
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// positions 是已结束 (或回测结束时未决) 仓位的流水, 每次回放按 run_id 区分
	createPositionsTableSQL := `
	CREATE TABLE IF NOT EXISTS positions (
		run_id TEXT NOT NULL,
		executor_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		close_type TEXT NOT NULL,
		terminated BOOLEAN NOT NULL,
		created_at INTEGER NOT NULL,
		entry_time INTEGER NOT NULL,
		close_time INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		close_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		net_pnl TEXT NOT NULL,
		net_pnl_quote TEXT NOT NULL,
		cum_fees TEXT NOT NULL,
		close_order_id TEXT NOT NULL,
		PRIMARY KEY (run_id, executor_id)
	);`

	if _, err := db.Exec(createPositionsTableSQL); err != nil {
		return err
	}
	return nil
}

// SavePosition inserts or replaces a position row of a run.
func SavePosition(db *sql.DB, runID string, rec models.PositionRecord) error {
	query := `
	INSERT INTO positions (run_id, executor_id, symbol, side, status, close_type, terminated, created_at, entry_time, close_time,
		entry_price, close_price, amount, net_pnl, net_pnl_quote, cum_fees, close_order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, executor_id) DO UPDATE SET
		status = excluded.status,
		close_type = excluded.close_type,
		terminated = excluded.terminated,
		close_time = excluded.close_time,
		close_price = excluded.close_price,
		net_pnl = excluded.net_pnl,
		net_pnl_quote = excluded.net_pnl_quote,
		cum_fees = excluded.cum_fees,
		close_order_id = excluded.close_order_id;`

	_, err := db.Exec(query,
		runID, rec.ID, rec.TradingPair, string(rec.Side), rec.Status.String(), string(rec.CloseType), rec.Terminated,
		unixMilli(rec.CreatedAt), unixMilli(rec.EntryTime), unixMilli(rec.CloseTime),
		rec.EntryPrice.String(), rec.ClosePrice.String(), rec.Amount.String(),
		rec.NetPnl.String(), rec.NetPnlQuote.String(), rec.CumFees.String(), rec.CloseOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", rec.ID, err)
	}
	return nil
}

// ListPositions returns the positions of a run ordered by creation time.
func ListPositions(db *sql.DB, runID string) ([]models.PositionRecord, error) {
	query := `
	SELECT executor_id, symbol, side, status, close_type, terminated, created_at, entry_time, close_time,
		entry_price, close_price, amount, net_pnl, net_pnl_quote, cum_fees, close_order_id
	FROM positions
	WHERE run_id = ?
	ORDER BY created_at, executor_id`

	rows, err := db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var records []models.PositionRecord
	for rows.Next() {
		var (
			rec                                                       models.PositionRecord
			side, status, closeType                                   string
			createdAt, entryTime, closeTime                           int64
			entryPrice, closePrice, amount, netPnl, netPnlQuote, fees string
		)
		if err := rows.Scan(
			&rec.ID, &rec.TradingPair, &side, &status, &closeType, &rec.Terminated,
			&createdAt, &entryTime, &closeTime,
			&entryPrice, &closePrice, &amount, &netPnl, &netPnlQuote, &fees, &rec.CloseOrderID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}

		rec.Side = models.Side(side)
		rec.Status = parseStatus(status)
		rec.CloseType = models.CloseType(closeType)
		rec.CreatedAt = fromUnixMilli(createdAt)
		rec.EntryTime = fromUnixMilli(entryTime)
		rec.CloseTime = fromUnixMilli(closeTime)

		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&rec.EntryPrice, entryPrice},
			{&rec.ClosePrice, closePrice},
			{&rec.Amount, amount},
			{&rec.NetPnl, netPnl},
			{&rec.NetPnlQuote, netPnlQuote},
			{&rec.CumFees, fees},
		} {
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("position %s has malformed decimal %q: %w", rec.ID, f.raw, err)
			}
			*f.dst = v
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClearPositions removes every row of a run.
func ClearPositions(db *sql.DB, runID string) error {
	if _, err := db.Exec("DELETE FROM positions WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}
	return nil
}

func parseStatus(s string) models.ExecutorStatus {
	for _, st := range []models.ExecutorStatus{models.NotStarted, models.ActivePosition, models.Completed} {
		if st.String() == s {
			return st
		}
	}
	return models.NotStarted
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
