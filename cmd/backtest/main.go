package main

import (
	"binance-ladder-bot-go/internal/backtest"
	"binance-ladder-bot-go/internal/config"
	"binance-ladder-bot-go/internal/downloader"
	"binance-ladder-bot-go/internal/logger"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/reporter"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file (.json or .toml)")
	dataPath := flag.String("data", "", "path to a kline CSV file; downloaded into data_dir when empty")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	interval := flag.String("interval", "", "kline interval, defaults to kline_interval from the config")
	profits := flag.String("profits", "0.5,1,1.5,2", "comma separated min_profit percentages, one candidate each")
	minPrice := flag.String("min", "", "min_buy_price")
	maxPrice := flag.String("max", "", "max_buy_price")
	step := flag.String("step", "", "step_price")
	margin := flag.String("margin", "0", "kline_margin percentage")
	amount := flag.String("amount", "", "trade_amount per grid position")
	stopLoss := flag.String("stop-loss", "0", "stop_loss price, 0 disables it")
	workers := flag.Int("workers", 0, "parallel candidates, defaults to backtest.workers from the config")
	flag.Parse()

	if _, err := logger.InitLogger(models.LogConfig{Level: "info", Output: "console"}); err != nil {
		panic(err)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	log, err := logger.InitLogger(cfg.LogConfig)
	if err != nil {
		logger.S().Fatalf("初始化日志失败: %v", err)
	}
	defer log.Sync()

	if *interval == "" {
		*interval = cfg.KlineInterval
	}
	if *workers <= 0 {
		*workers = cfg.Backtest.Workers
	}

	base, err := parseSettings(*symbol, *minPrice, *maxPrice, *step, *margin, *amount, *stopLoss)
	if err != nil {
		log.Fatal("回测参数错误", zap.Error(err))
	}
	minProfits, err := parseDecimals(*profits)
	if err != nil {
		log.Fatal("解析 -profits 失败", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path, err := resolveData(ctx, cfg, *dataPath, *symbol, *interval, *startDate, *endDate, log)
	if err != nil {
		log.Fatal("准备历史数据失败", zap.Error(err))
	}
	klines, err := downloader.LoadKlines(path, base.Symbol)
	if err != nil {
		log.Fatal("读取历史数据失败", zap.Error(err))
	}
	if len(klines) == 0 {
		log.Fatal("历史数据文件为空或只有表头", zap.String("path", path))
	}
	log.Info("开始回测",
		zap.String("symbol", base.Symbol),
		zap.Int("bars", len(klines)),
		zap.Time("from", klines[0].OpenTime),
		zap.Time("to", klines[len(klines)-1].CloseTime),
		zap.Int("candidates", len(minProfits)))

	engine := backtest.New(*workers, cfg.Backtest.Budget, log)
	results := engine.Run(ctx, klines, backtest.Candidates(base, minProfits))

	rows := make([]reporter.BacktestRow, len(results))
	for i, r := range results {
		rows[i] = r.Row()
	}
	fmt.Printf("========== 回测结果 %s (%s) ==========\n", base.Symbol, path)
	reporter.RenderBacktest(os.Stdout, rows)
}

func parseSettings(symbol, minPrice, maxPrice, step, margin, amount, stopLoss string) (models.BotSettings, error) {
	values := make([]decimal.Decimal, 6)
	for i, raw := range []string{minPrice, maxPrice, step, margin, amount, stopLoss} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return models.BotSettings{}, fmt.Errorf("无法解析 %q: %w", raw, err)
		}
		values[i] = v
	}
	s := models.BotSettings{
		Symbol:      strings.ToUpper(symbol),
		Active:      true,
		MinBuyPrice: values[0],
		MaxBuyPrice: values[1],
		StepPrice:   values[2],
		MinProfit:   decimal.Zero,
		KlineMargin: values[3],
		TradeAmount: values[4],
		StopLoss:    values[5],
	}
	return s, s.Validate()
}

func parseDecimals(list string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := decimal.NewFromString(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("至少需要一个最小利润百分比")
	}
	return out, nil
}

// resolveData 返回K线文件路径, 没有指定文件时按日期范围下载 (有缓存时直接使用)
func resolveData(ctx context.Context, cfg *models.Config, dataPath, symbol, interval, startDate, endDate string, log *zap.Logger) (string, error) {
	if dataPath != "" {
		return dataPath, nil
	}
	if symbol == "" || startDate == "" || endDate == "" {
		return "", fmt.Errorf("需要通过 -data 或 -symbol/-start/-end 参数指定数据源")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	path := downloader.CachePath(cfg.Backtest.DataDir, strings.ToUpper(symbol), interval, startTime, endTime)
	d := downloader.NewKlineDownloader("", log)
	if err := d.DownloadKlines(ctx, strings.ToUpper(symbol), interval, path, startTime, endTime); err != nil {
		return "", err
	}
	return path, nil
}
