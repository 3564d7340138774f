package config

import (
	"binance-ladder-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Defaults 返回内置的默认配置
func Defaults() *models.Config {
	return &models.Config{
		KlineInterval:  "1m",
		Store:          models.StoreConfig{Driver: "badger", Path: "data/ladder.db"},
		ReloadSchedule: "@every 1m",
		ReportSchedule: "@every 5m",
		PollTimeoutMs:  1000,
		QueueSize:      1024,
		LogConfig:      models.LogConfig{Level: "info", Output: "console"},
		Backtest: models.BacktestConfig{
			Workers: 8,
			Budget:  decimal.NewFromInt(99999),
			DataDir: "data",
		},
	}
}

// LoadConfig 加载配置文件并合并到默认配置上。
// 扩展名为 .toml 时按TOML解析, 否则按JSON解析。之后应用环境变量覆盖。
func LoadConfig(path string) (*models.Config, error) {
	config := Defaults()

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("解析TOML配置 %s 失败: %w", path, err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("解析JSON配置 %s 失败: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides 使用环境变量覆盖对应字段, 密钥只能通过环境变量提供
func applyEnvOverrides(config *models.Config) {
	setStr(&config.APIKey, "BINANCE_API_KEY")
	setStr(&config.SecretKey, "BINANCE_SECRET_KEY")
	setStr(&config.Store.Path, "LADDER_DB_PATH")
	setStr(&config.Store.Driver, "LADDER_STORE_DRIVER")
	setStr(&config.MetricsAddr, "LADDER_METRICS_ADDR")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func validate(config *models.Config) error {
	switch config.Store.Driver {
	case "badger", "sqlite":
	default:
		return fmt.Errorf("不支持的存储驱动: %q", config.Store.Driver)
	}
	if config.PollTimeoutMs <= 0 {
		return fmt.Errorf("poll_timeout_ms 必须大于0, 当前为 %d", config.PollTimeoutMs)
	}
	if config.QueueSize <= 0 {
		return fmt.Errorf("queue_size 必须大于0, 当前为 %d", config.QueueSize)
	}
	if config.Backtest.Workers <= 0 {
		return fmt.Errorf("backtest.workers 必须大于0, 当前为 %d", config.Backtest.Workers)
	}
	return nil
}

// LoadSettingsFile 读取以JSON数组保存的交易对设置, 并逐个校验
func LoadSettingsFile(path string) ([]models.BotSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var settings []models.BotSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("解析设置文件 %s 失败: %w", path, err)
	}
	seen := make(map[string]bool, len(settings))
	for _, s := range settings {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Symbol] {
			return nil, fmt.Errorf("%w: 交易对 %s 重复", models.ErrInvalidSettings, s.Symbol)
		}
		seen[s.Symbol] = true
	}
	return settings, nil
}
