package downloader

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
	pause  time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例, baseURL 为空时使用币安默认地址
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		client: client,
		logger: logger,
		pause:  200 * time.Millisecond,
	}
}

// CachePath 返回K线缓存文件的路径
func CachePath(dataDir, symbol, interval string, start, end time.Time) string {
	name := fmt.Sprintf("%s-%s-%s-%s.csv", symbol, interval, start.Format("20060102"), end.Format("20060102"))
	return filepath.Join(dataDir, name)
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。下载失败时删除不完整的文件。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) (err error) {
	if _, statErr := os.Stat(filePath); statErr == nil {
		d.logger.Info("从缓存加载数据", zap.String("path", filePath))
		return nil
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", filePath, err)
	}
	defer func() {
		file.Close()
		if err != nil {
			os.Remove(filePath)
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	count := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli() - 1).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}
		count += len(klines)

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t), zap.Int("count", count))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	d.logger.Info("成功下载K线数据", zap.String("path", filePath), zap.Int("count", count))
	return nil
}

// LoadKlines 读取 DownloadKlines 生成的CSV文件
func LoadKlines(path, symbol string) ([]models.Kline, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("读取CSV表头失败: %w", err)
	}

	var klines []models.Kline
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 %s 第 %d 行失败: %w", path, line, err)
		}
		k, err := parseRecord(symbol, record)
		if err != nil {
			return nil, fmt.Errorf("解析 %s 第 %d 行失败: %w", path, line, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseRecord(symbol string, record []string) (models.Kline, error) {
	if len(record) < 7 {
		return models.Kline{}, fmt.Errorf("字段数量不足: %d", len(record))
	}
	openTime, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return models.Kline{}, err
	}
	closeTime, err := strconv.ParseInt(record[6], 10, 64)
	if err != nil {
		return models.Kline{}, err
	}
	var prices [4]decimal.Decimal
	for i := range prices {
		if prices[i], err = decimal.NewFromString(record[i+1]); err != nil {
			return models.Kline{}, err
		}
	}
	return models.Kline{
		Symbol:    symbol,
		OpenTime:  time.UnixMilli(openTime).UTC(),
		CloseTime: time.UnixMilli(closeTime).UTC(),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
	}, nil
}
