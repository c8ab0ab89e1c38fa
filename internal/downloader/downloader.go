package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hilow-signal-bot-go/internal/feed"
	"hilow-signal-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安单次请求最多1000条
const maxKlinesPerRequest = 1000

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.SugaredLogger
	pause  time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例, baseURL 为空时使用币安默认地址
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{
		client: client,
		logger: logger.Sugar(),
		pause:  200 * time.Millisecond,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存为回放用的CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		d.logger.Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.logger.Infof("开始下载 %s 从 %s 到 %s 的 %s K线数据...", symbol, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"), interval)

	var bars []models.Bar
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli() - 1).
			Limit(maxKlinesPerRequest).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			bar, err := klineToBar(k)
			if err != nil {
				return err
			}
			bars = append(bars, bar)
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debugf("已下载数据至 %s", t.Format("2006-01-02 15:04:05"))
		if len(klines) < maxKlinesPerRequest {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	if len(bars) == 0 {
		return fmt.Errorf("%s 在 %s 到 %s 之间没有K线数据", symbol, startTime.Format(time.RFC3339), endTime.Format(time.RFC3339))
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", filePath, err)
	}
	defer file.Close()

	if err := feed.WriteCSV(file, bars); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}

	d.logger.Infof("成功下载 %d 根K线到 %s", len(bars), filePath)
	return nil
}

// FetchRecent 拉取最近 limit 根K线, 最后一根通常尚未收盘
func (d *KlineDownloader) FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]models.Bar, error) {
	klines, err := d.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最近K线失败: %w", err)
	}

	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := klineToBar(k)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func klineToBar(k *binance.Kline) (models.Bar, error) {
	bar := models.Bar{Timestamp: k.OpenTime}
	for _, f := range []struct {
		dst  *decimal.Decimal
		raw  string
		name string
	}{
		{&bar.Open, k.Open, "open"},
		{&bar.High, k.High, "high"},
		{&bar.Low, k.Low, "low"},
		{&bar.Close, k.Close, "close"},
		{&bar.Volume, k.Volume, "volume"},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return models.Bar{}, fmt.Errorf("K线 %d 的 %s 字段无效 %q: %w", k.OpenTime, f.name, f.raw, err)
		}
		*f.dst = v
	}
	return bar, nil
}
