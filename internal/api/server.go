package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"confluence-sentry/internal/execution"
	"confluence-sentry/internal/metrics"
	"confluence-sentry/internal/risk"
	"confluence-sentry/internal/strategy/monitor"
	"confluence-sentry/pkg/types"
)

// Engine 控制接口需要的引擎能力
type Engine interface {
	RunCycle(ctx context.Context, instrument string) (*types.Signal, error)
	ExecuteIfAdmitted(ctx context.Context, signal *types.Signal) execution.Result
	RiskState() risk.Snapshot
	SetEmergencyStop(stop bool) error
	LatestSignal(instrument string) (*types.Signal, bool)
	Instruments() []string
	GetStats() map[string]interface{}
}

// TradeBook 交易日志查询
type TradeBook interface {
	List() []types.TradeRecord
	Get(id string) (types.TradeRecord, bool)
}

// OutcomeReporter 外部上报交易结果
type OutcomeReporter interface {
	Report(ctx context.Context, id string, result types.TradeResult, payout float64) (types.TradeRecord, error)
}

// PerformanceSource 交易表现
type PerformanceSource interface {
	GetMetrics() *monitor.PerformanceMetrics
}

// Server 控制接口
type Server struct {
	Router      *gin.Engine
	engine      Engine
	trades      TradeBook
	outcomes    OutcomeReporter
	performance PerformanceSource
	httpServer  *http.Server
}

// NewServer 创建控制接口，performance 可为空
func NewServer(engine Engine, trades TradeBook, outcomes OutcomeReporter, performance PerformanceSource) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(20, 50))

	s := &Server{
		Router:      r,
		engine:      engine,
		trades:      trades,
		outcomes:    outcomes,
		performance: performance,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.Router.Group("/api")
	{
		api.GET("/risk", s.getRiskState)
		api.POST("/risk/emergency-stop", s.setEmergencyStop)

		api.POST("/instruments/:instrument/cycle", s.runCycle)
		api.GET("/instruments/:instrument/signal", s.getLatestSignal)
		api.POST("/instruments/:instrument/execute", s.executeLatest)

		api.GET("/trades", s.listTrades)
		api.GET("/trades/:id", s.getTrade)
		api.POST("/trades/:id/outcome", s.reportOutcome)

		api.GET("/performance", s.getPerformance)
	}
}

// Start 启动HTTP服务，阻塞直到关闭
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
