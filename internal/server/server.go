// Package server 提供只读的状态接口: Prometheus 指标, 最近一次统计快照和健康检查。
package server

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SnapshotSource 返回最近一次发布的统计快照及其时间
type SnapshotSource interface {
	Snapshot() ([]models.Statistics, time.Time)
}

type Server struct {
	source   SnapshotSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	srv      *http.Server
}

func New(addr string, source SnapshotSource, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		source:   source,
		gatherer: gatherer,
		logger:   logger,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler 返回注册了所有路由的 router
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	return r
}

type statsResponse struct {
	ReportedAt *time.Time          `json:"reported_at"`
	Statistics []models.Statistics `json:"statistics"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, at := s.source.Snapshot()
	resp := statsResponse{Statistics: stats}
	if resp.Statistics == nil {
		resp.Statistics = []models.Statistics{}
	}
	if !at.IsZero() {
		resp.ReportedAt = &at
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("写入统计响应失败", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Run 启动监听, ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("状态服务已启动", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("状态服务已停止")
	return nil
}
