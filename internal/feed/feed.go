// Package feed loads and validates the historical bar feed consumed by the
// emulator. A feed is validated once, up front; the replay loop never sees a
// malformed bar.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"hilow-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyFeed     = errors.New("bar feed is empty")
	ErrNonMonotonic  = errors.New("bar timestamps are not strictly increasing")
	ErrMalformedBar  = errors.New("malformed bar")
	ErrMissingColumn = errors.New("missing required column")
)

// 兼容两种表头: 本项目导出的 timestamp 与币安原始 open_time
var columnAliases = map[string][]string{
	"timestamp": {"timestamp", "open_time"},
	"open":      {"open"},
	"high":      {"high"},
	"low":       {"low"},
	"close":     {"close"},
	"volume":    {"volume"},
}

var requiredColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// LoadCSV 读取并校验一个 K 线 CSV 文件
func LoadCSV(path string) ([]models.Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()
	return ReadCSV(file)
}

// ReadCSV 从 reader 中解析带表头的 K 线数据, 返回前会完整校验
func ReadCSV(r io.Reader) ([]models.Bar, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(records) <= 1 {
		return nil, ErrEmptyFeed
	}

	index, err := headerIndex(records[0])
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(records)-1)
	for i, record := range records[1:] {
		bar, err := parseRecord(record, index)
		if err != nil {
			// 第一行是表头, 数据行号从 2 开始
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		bars = append(bars, bar)
	}

	if err := Validate(bars); err != nil {
		return nil, err
	}
	return bars, nil
}

func headerIndex(header []string) (map[string]int, error) {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		positions[strings.ToLower(strings.TrimSpace(name))] = i
	}

	index := make(map[string]int, len(requiredColumns))
	for _, col := range requiredColumns {
		found := false
		for _, alias := range columnAliases[col] {
			if pos, ok := positions[alias]; ok {
				index[col] = pos
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	return index, nil
}

func parseRecord(record []string, index map[string]int) (models.Bar, error) {
	field := func(col string) (string, error) {
		pos := index[col]
		if pos >= len(record) || strings.TrimSpace(record[pos]) == "" {
			return "", fmt.Errorf("%w: empty %s", ErrMalformedBar, col)
		}
		return strings.TrimSpace(record[pos]), nil
	}
	dec := func(col string) (decimal.Decimal, error) {
		raw, err := field(col)
		if err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s=%q", ErrMalformedBar, col, raw)
		}
		return d, nil
	}

	rawTS, err := field("timestamp")
	if err != nil {
		return models.Bar{}, err
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("%w: timestamp=%q", ErrMalformedBar, rawTS)
	}

	var bar models.Bar
	bar.Timestamp = ts
	if bar.Open, err = dec("open"); err != nil {
		return models.Bar{}, err
	}
	if bar.High, err = dec("high"); err != nil {
		return models.Bar{}, err
	}
	if bar.Low, err = dec("low"); err != nil {
		return models.Bar{}, err
	}
	if bar.Close, err = dec("close"); err != nil {
		return models.Bar{}, err
	}
	if bar.Volume, err = dec("volume"); err != nil {
		return models.Bar{}, err
	}
	return bar, nil
}

// Validate 检查时间戳严格递增且每根K线的价格自洽
func Validate(bars []models.Bar) error {
	if len(bars) == 0 {
		return ErrEmptyFeed
	}
	for i, bar := range bars {
		if bar.Low.GreaterThan(bar.High) {
			return fmt.Errorf("%w: bar %d low %s above high %s", ErrMalformedBar, i, bar.Low, bar.High)
		}
		if !bar.Low.IsPositive() {
			return fmt.Errorf("%w: bar %d has non-positive low %s", ErrMalformedBar, i, bar.Low)
		}
		if i > 0 && bar.Timestamp <= bars[i-1].Timestamp {
			return fmt.Errorf("%w: bar %d at %d follows %d", ErrNonMonotonic, i, bar.Timestamp, bars[i-1].Timestamp)
		}
	}
	return nil
}

// Window 返回第 i 步的回看窗口和当前K线. 窗口不足时 ok 为 false.
func Window(bars []models.Bar, i, size int) (window []models.Bar, current models.Bar, ok bool) {
	if size <= 0 || i < 0 || i+size >= len(bars) {
		return nil, models.Bar{}, false
	}
	return bars[i : i+size], bars[i+size], true
}

// WriteCSV 以 LoadCSV 可读的格式写出K线
func WriteCSV(w io.Writer, bars []models.Bar) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(requiredColumns); err != nil {
		return err
	}
	for _, b := range bars {
		record := []string{
			strconv.FormatInt(b.Timestamp, 10),
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
