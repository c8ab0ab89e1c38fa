package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hilow-signal-bot-go/internal/bot"
	"hilow-signal-bot-go/internal/config"
	"hilow-signal-bot-go/internal/downloader"
	"hilow-signal-bot-go/internal/emulator"
	"hilow-signal-bot-go/internal/exchange"
	"hilow-signal-bot-go/internal/feed"
	"hilow-signal-bot-go/internal/logger"
	"hilow-signal-bot-go/internal/models"
	"hilow-signal-bot-go/internal/persistence"
	"hilow-signal-bot-go/internal/reporter"
	hlsignal "hilow-signal-bot-go/internal/signal"
	"hilow-signal-bot-go/internal/statemanager"
	"hilow-signal-bot-go/internal/storage"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BTCTUSD-2024-03-01-2024-03-08.csv" -> "BTCTUSD"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	symbol, _, found := strings.Cut(name, "-")
	if !found {
		return ""
	}
	return symbol
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "backtest", "running mode: backtest or signal")
	dataPath := flag.String("data", "", "path to historical bar CSV for backtesting")
	symbol := flag.String("symbol", "", "symbol to download and backtest (e.g., BTCTUSD)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	resume := flag.Bool("resume", false, "restore skew state and closed positions from the state db")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录加载配置时的错误
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	config.ApplyEnv(cfg)

	// 使用文件中的配置重新初始化日志
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "backtest":
		finalDataPath, err := prepareBacktestData(ctx, cfg, *symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		if err := runBacktestMode(ctx, cfg, finalDataPath, *resume); err != nil {
			logger.S().Fatalf("回测失败: %v", err)
		}
	case "signal":
		if err := runSignalMode(ctx, cfg, *resume); err != nil && !errors.Is(err, context.Canceled) {
			logger.S().Fatalf("信号监控失败: %v", err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'backtest' 或 'signal'。", *mode)
	}
}

// prepareBacktestData 处理回测数据源, 需要时先下载.
// 成功后返回数据文件路径，失败则返回错误。
func prepareBacktestData(ctx context.Context, cfg *models.Config, symbol, startDate, endDate, dataPath string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}
		if !startTime.Before(endTime) {
			return "", fmt.Errorf("开始日期 %s 必须早于结束日期 %s", startDate, endDate)
		}

		d := downloader.NewKlineDownloader(cfg.LiveAPIURL, logger.L())
		fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s-%s.csv", symbol, cfg.Interval, startDate, endDate))
		if err := d.DownloadKlines(ctx, symbol, cfg.Interval, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %w", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", fmt.Errorf("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return dataPath, nil
}

// runBacktestMode 回放历史K线并打印报告
func runBacktestMode(ctx context.Context, cfg *models.Config, dataPath string, resume bool) error {
	logger.S().Info("--- 启动回测模式 ---")

	if s := extractSymbolFromPath(dataPath); s != "" && s != cfg.Symbol {
		logger.S().Infof("使用数据文件中的交易对 %s 覆盖配置中的 %s", s, cfg.Symbol)
		cfg.Symbol = s
	}

	bars, err := feed.LoadCSV(dataPath)
	if err != nil {
		return err
	}

	backtestExchange := exchange.NewBacktestExchange(cfg)
	generator := hlsignal.NewGenerator(hlsignal.ParamsFromConfig(cfg), logger.L())
	hiLowBot := bot.NewHiLowBot(cfg, backtestExchange, generator, hlsignal.GateFromConfig(cfg), logger.L())

	// --- 状态持久化 ---
	if cfg.DBPath != "" {
		repo, err := persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("打开状态库失败: %w", err)
		}
		defer repo.Close()

		initial := &models.StrategyState{BotID: uuid.NewString(), Symbol: cfg.Symbol, Version: 1}
		if resume {
			loaded, err := repo.LoadState(cfg.Symbol)
			if err != nil {
				return fmt.Errorf("加载状态失败: %w", err)
			}
			if loaded != nil {
				initial = loaded
				hiLowBot.Restore(loaded)
			} else {
				logger.S().Warn("状态库中没有可恢复的状态，将以全新状态启动。")
			}
		} else if err := repo.DeleteState(cfg.Symbol); err != nil {
			return fmt.Errorf("清理旧状态失败: %w", err)
		}

		sm := statemanager.NewStateManager(initial, repo, logger.L())
		sm.Start()
		// Stop 要在 repo.Close 之前执行
		defer sm.Stop()
		hiLowBot.AddListener(sm)
	}

	// --- 平仓流水 ---
	var journal *storage.Journal
	if cfg.LedgerPath != "" {
		db, err := storage.InitDB(cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer db.Close()
		journal = storage.NewJournal(db, uuid.NewString(), logger.L())
		hiLowBot.AddListener(journal)
		logger.S().Infof("平仓流水写入 %s, run_id=%s", cfg.LedgerPath, journal.RunID())
	}

	logger.S().Info("开始回测...")
	result, err := emulator.New(hiLowBot, backtestExchange, cfg.CandlesWindow, logger.L()).Run(ctx, bars)
	if err != nil {
		return err
	}
	logger.S().Info("回测结束。")

	if journal != nil {
		// 未决仓位也写入流水, 以 terminated 标记区分
		for _, rec := range result.Unresolved {
			journal.OnPositionClosed(rec)
		}
	}

	reporter.GenerateReport(logger.L(), result, dataPath, cfg.QuoteAsset)
	return nil
}

// runSignalMode 用实时K线和卖一价评估信号, 只记录不下单
func runSignalMode(ctx context.Context, cfg *models.Config, resume bool) error {
	logger.S().Infof("--- 启动信号监控模式: %s %s ---", cfg.Symbol, cfg.Interval)

	generator := hlsignal.NewGenerator(hlsignal.ParamsFromConfig(cfg), logger.L())
	if resume && cfg.DBPath != "" {
		repo, err := persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("打开状态库失败: %w", err)
		}
		state, err := repo.LoadState(cfg.Symbol)
		repo.Close()
		if err != nil {
			return fmt.Errorf("加载状态失败: %w", err)
		}
		if state != nil {
			generator.SetSkew(state.Skew)
			logger.S().Infof("已恢复偏移状态: active=%t magnitude=%s", state.Skew.Active, state.Skew.Magnitude)
		}
	}

	market := exchange.NewLiveMarket(cfg.Symbol, cfg.LiveAPIURL, cfg.LiveWSURL, logger.L())
	go market.Run(ctx)

	klines := downloader.NewKlineDownloader(cfg.LiveAPIURL, logger.L())
	poll := time.NewTicker(15 * time.Second)
	defer poll.Stop()

	var lastBar int64
	for {
		if err := evaluateOnce(ctx, cfg, generator, market, klines, &lastBar); err != nil {
			logger.S().Warnf("本轮信号评估失败: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.S().Info("信号监控已停止。")
			return ctx.Err()
		case <-poll.C:
		}
	}
}

// evaluateOnce 在每根新收盘的K线上评估一次信号
func evaluateOnce(ctx context.Context, cfg *models.Config, generator *hlsignal.Generator, market exchange.PriceSource, klines *downloader.KlineDownloader, lastBar *int64) error {
	// 多取一根, 最后一根尚未收盘
	bars, err := klines.FetchRecent(ctx, cfg.Symbol, cfg.Interval, cfg.CandlesWindow+1)
	if err != nil {
		return err
	}
	if len(bars) < cfg.CandlesWindow+1 {
		return fmt.Errorf("K线数量不足: %d", len(bars))
	}
	window := bars[len(bars)-1-cfg.CandlesWindow : len(bars)-1]
	closedAt := window[len(window)-1].Timestamp
	if closedAt == *lastBar {
		return nil
	}
	*lastBar = closedAt

	if generator.UpdateSkew(nil, window) {
		skew := generator.Skew()
		logger.S().Infof("下跌偏移状态变化: active=%t magnitude=%s", skew.Active, skew.Magnitude)
	}

	ask, err := market.BestAsk(cfg.Symbol)
	if err != nil {
		return err
	}
	pos, ok := generator.Evaluate(time.Now(), window, ask)
	if !ok {
		buy, _ := generator.BuyPrice(window)
		logger.S().Infof("无信号: 买入价 %s, 卖一价 %s", buy, ask)
		return nil
	}
	logger.S().Infof("开仓信号: %s %s @ %s 数量 %s, 止盈 %s 止损 %s",
		pos.Side, pos.TradingPair, pos.EntryPrice, pos.Amount, pos.TakeProfit, pos.StopLoss)
	return nil
}
