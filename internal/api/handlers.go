package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fibflow/fibflow/internal/advisor"
	"github.com/fibflow/fibflow/internal/mode"
)

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"mode":   s.mgr.Mode(),
		"time":   time.Now().UTC(),
	}
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.cache.Health(ctx); err != nil {
			resp["status"] = "degraded"
			resp["cache"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["cache"] = "ok"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"loop":        s.mgr.Stats(),
		"open_trades": s.eng.Book().OpenCount(),
	})
}

func (s *Server) handleGetMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.mgr.Mode()})
}

type setModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := mode.Parse(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.SetMode(m); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": m})
}

func (s *Server) handleListConfirmations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.mgr.PendingConfirmations()})
}

type confirmRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.Confirm(c.Param("id"), *req.Approved); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "approved": *req.Approved})
}

func (s *Server) handleOpenTrades(c *gin.Context) {
	book := s.eng.Book()
	trades := make([]interface{}, 0, book.OpenCount())
	for _, symbol := range book.OpenSymbols() {
		if trade, ok := book.Get(symbol); ok {
			trades = append(trades, trade)
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleTradeHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trades": s.eng.Book().History()})
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"balance":        s.risk.Balance(),
		"daily_pnl":      s.risk.DailyPnL(),
		"drawdown":       s.risk.Drawdown(),
		"emergency_stop": s.risk.Emergency(),
	})
}

func (s *Server) handleProviders(c *gin.Context) {
	providers := gin.H{}
	if s.orch != nil {
		for _, p := range s.orch.Providers() {
			providers[p.Name()] = gin.H{
				"enabled": p.Enabled(),
				"weight":  p.Weight(),
				"stats":   p.Stats(),
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

type sentimentRequest struct {
	Text    string `json:"text" binding:"required"`
	Context string `json:"context"`
}

func (s *Server) handleSentiment(c *gin.Context) {
	var req sentimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.adv == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ai advisor is not configured"})
		return
	}

	result, err := s.adv.Sentiment(c.Request.Context(), req.Text, req.Context)
	if err != nil {
		if errors.Is(err, advisor.ErrSentimentDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sentiment":  result.SentimentScore,
		"consensus":  result.ConsensusSignal,
		"confidence": result.Confidence,
		"providers":  result.ProviderCount(),
	})
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}
	events := s.eng.EmergencyStop(reason)
	c.JSON(http.StatusOK, gin.H{
		"reason": reason,
		"closed": len(events),
	})
}
