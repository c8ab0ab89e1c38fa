package config

import (
	"encoding/json"
	"fmt"
	"os"

	"hilow-signal-bot-go/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为可选字段填充默认值. 止盈/止损等必填比率不会被默认.
func ApplyDefaults(cfg *models.Config) {
	if cfg.Interval == "" {
		cfg.Interval = "5m"
	}
	if cfg.BarsLookBack == 0 {
		cfg.BarsLookBack = 4
	}
	if cfg.ReversalLookBack == 0 {
		cfg.ReversalLookBack = 7
	}
	if cfg.CandlesWindow == 0 {
		cfg.CandlesWindow = 10
	}
	if cfg.PricePrecision == nil {
		precision := models.DefaultPricePrecision
		cfg.PricePrecision = &precision
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 1
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 校验配置, 任何错误都应在启动时直接返回给调用者
func Validate(cfg *models.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ApplyEnv 使用环境变量覆盖部分配置
func ApplyEnv(cfg *models.Config) {
	if v := os.Getenv("HILOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HILOW_LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogConfig.Level = v
	}
}
