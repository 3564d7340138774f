package main

import (
	"binance-ladder-bot-go/internal/config"
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/feed"
	"binance-ladder-bot-go/internal/logger"
	"binance-ladder-bot-go/internal/metrics"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/runner"
	"binance-ladder-bot-go/internal/server"
	"binance-ladder-bot-go/internal/storage"
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json or .toml)")
	total := flag.String("total", "", "total quote capital shared by all bots, e.g. 1000")
	importSettings := flag.String("import-settings", "", "import bot settings from a JSON file and exit")
	flag.Parse()

	// 在加载配置之前使用默认的日志配置
	if _, err := logger.InitLogger(models.LogConfig{Level: "info", Output: "console"}); err != nil {
		panic(err)
	}

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log, err := logger.InitLogger(cfg.LogConfig)
	if err != nil {
		logger.S().Fatalf("初始化日志失败: %v", err)
	}
	defer log.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	store, err := storage.Open(cfg.Store)
	if err != nil {
		log.Fatal("打开存储失败", zap.Error(err))
	}
	defer store.Close()

	if *importSettings != "" {
		if err := importSettingsFile(store, *importSettings, log); err != nil {
			log.Fatal("导入设置失败", zap.Error(err))
		}
		return
	}

	capital, err := decimal.NewFromString(*total)
	if err != nil || !capital.IsPositive() {
		log.Fatal("必须通过 -total 指定大于0的总资金", zap.String("total", *total))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, capital, store, log); err != nil {
		log.Error("运行器异常退出", zap.Error(err))
		os.Exit(1)
	}
	log.Info("机器人已成功停止。")
}

func importSettingsFile(store persistence.Store, path string, log *zap.Logger) error {
	settings, err := config.LoadSettingsFile(path)
	if err != nil {
		return err
	}
	for _, s := range settings {
		if err := store.SaveSettings(s); err != nil {
			return err
		}
		log.Info("已导入设置", zap.String("symbol", s.Symbol), zap.Bool("active", s.Active))
	}
	return nil
}

// run 连接交易所和行情, 启动运行器和状态服务, 直到 ctx 取消
func run(ctx context.Context, cfg *models.Config, capital decimal.Decimal, store persistence.Store, log *zap.Logger) error {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}

	baseURL, wsBaseURL := exchange.LiveAPIURL, feed.LiveStreamURL
	if cfg.IsTestnet {
		baseURL, wsBaseURL = exchange.TestnetAPIURL, feed.TestnetStreamURL
		log.Info("正在使用币安测试网...")
	} else {
		log.Info("正在使用币安生产网...")
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if cfg.WSBaseURL != "" {
		wsBaseURL = cfg.WSBaseURL
	}

	ex, err := exchange.NewLiveExchange(ctx, cfg.APIKey, cfg.SecretKey, baseURL, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	listener := feed.NewKlineListener(wsBaseURL, cfg.KlineInterval, cfg.QueueSize, log, m)
	r, err := runner.New(runner.Config{
		TotalCapital:   capital,
		ReloadSchedule: cfg.ReloadSchedule,
		ReportSchedule: cfg.ReportSchedule,
		PollTimeout:    cfg.PollTimeout(),
		Metrics:        m,
	}, store, ex, listener, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		listener.Run(ctx)
		return nil
	})
	if cfg.MetricsAddr != "" {
		srv := server.New(cfg.MetricsAddr, r, reg, log)
		g.Go(func() error { return srv.Run(ctx) })
	}
	g.Go(func() error { return r.Run(ctx) })
	return g.Wait()
}
