package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"confluence-sentry/internal/execution"
	"confluence-sentry/pkg/types"
)

type emergencyStopRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type outcomeRequest struct {
	Result string  `json:"result" binding:"required,oneof=win loss"`
	Payout float64 `json:"payout" binding:"gte=0"`
}

func (s *Server) health(c *gin.Context) {
	snap := s.engine.RiskState()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"emergency_stop": snap.EmergencyStop,
		"inconsistent":   snap.Inconsistent,
		"engine":         s.engine.GetStats(),
	})
}

func (s *Server) getRiskState(c *gin.Context) {
	snap := s.engine.RiskState()
	c.JSON(http.StatusOK, gin.H{
		"state":        snap,
		"inconsistent": snap.Inconsistent,
	})
}

func (s *Server) setEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if err := s.engine.SetEmergencyStop(*req.Active); err != nil {
		// 内存状态已更新，持久化失败后进入不一致状态
		respondError(c, http.StatusInternalServerError, "PERSIST_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency_stop": s.engine.RiskState().EmergencyStop})
}

func (s *Server) knownInstrument(c *gin.Context) (string, bool) {
	instrument := c.Param("instrument")
	for _, inst := range s.engine.Instruments() {
		if inst == instrument {
			return instrument, true
		}
	}
	respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", "instrument is not tracked: "+instrument)
	return "", false
}

func (s *Server) runCycle(c *gin.Context) {
	instrument, ok := s.knownInstrument(c)
	if !ok {
		return
	}
	signal, err := s.engine.RunCycle(c.Request.Context(), instrument)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "CYCLE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, signal)
}

func (s *Server) getLatestSignal(c *gin.Context) {
	instrument, ok := s.knownInstrument(c)
	if !ok {
		return
	}
	signal, found := s.engine.LatestSignal(instrument)
	if !found {
		respondError(c, http.StatusNotFound, "NO_SIGNAL", "no cycle has run for "+instrument)
		return
	}
	c.JSON(http.StatusOK, signal)
}

// executeLatest 手动执行最近一次信号，信号过期等情况由状态机拒绝
func (s *Server) executeLatest(c *gin.Context) {
	instrument, ok := s.knownInstrument(c)
	if !ok {
		return
	}
	signal, found := s.engine.LatestSignal(instrument)
	if !found {
		respondError(c, http.StatusNotFound, "NO_SIGNAL", "no cycle has run for "+instrument)
		return
	}

	res := s.engine.ExecuteIfAdmitted(c.Request.Context(), signal)
	status := http.StatusOK
	switch res.State {
	case execution.StateAborted:
		status = http.StatusConflict
	case execution.StateFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func (s *Server) listTrades(c *gin.Context) {
	trades := s.trades.List()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		if limit < len(trades) {
			trades = trades[:limit]
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) getTrade(c *gin.Context) {
	rec, ok := s.trades.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "UNKNOWN_TRADE", "trade not found")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) reportOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	rec, err := s.outcomes.Report(c.Request.Context(), c.Param("id"), types.TradeResult(req.Result), req.Payout)
	switch {
	case errors.Is(err, execution.ErrUnknownTrade):
		respondError(c, http.StatusNotFound, "UNKNOWN_TRADE", err.Error())
	case errors.Is(err, execution.ErrAlreadyClosed):
		respondError(c, http.StatusConflict, "ALREADY_CLOSED", err.Error())
	case err != nil:
		respondError(c, http.StatusInternalServerError, "REPORT_FAILED", err.Error())
	default:
		c.JSON(http.StatusOK, rec)
	}
}

func (s *Server) getPerformance(c *gin.Context) {
	if s.performance == nil {
		respondError(c, http.StatusNotFound, "DISABLED", "performance monitor is not enabled")
		return
	}
	c.JSON(http.StatusOK, s.performance.GetMetrics())
}
