package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"optionflow/eventbus"
	"optionflow/signal"
)

// handleListStrategies lists every EnabledStrategy row, matching
// handleGetTactics' "list what the Trade Store holds" shape.
func (s *Server) handleListStrategies(c *gin.Context) {
	list, err := s.eng.Store.ListEnabledStrategies()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list strategies: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": list})
}

type strategyRequest struct {
	Ticker     string         `json:"ticker" binding:"required"`
	Timeframe  string         `json:"timeframe" binding:"required"`
	SignalType string         `json:"signal_type" binding:"required"`
	Params     signal.Params  `json:"params"`
}

// handleEnableStrategy upserts one EnabledStrategy row and asks the
// Scheduler to reconcile its running Strategy Signal Task workers.
func (s *Server) handleEnableStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialize params"})
		return
	}

	if _, err := s.eng.Store.EnableStrategy(req.Ticker, req.Timeframe, req.SignalType, string(paramsJSON)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enable strategy: " + err.Error()})
		return
	}
	s.sched.RebuildStrategyWorkers()
	c.JSON(http.StatusOK, gin.H{"message": "strategy enabled"})
}

// handleDisableStrategy removes the EnabledStrategy row and reconciles
// the running worker set.
func (s *Server) handleDisableStrategy(c *gin.Context) {
	var req struct {
		Ticker     string `json:"ticker" binding:"required"`
		Timeframe  string `json:"timeframe" binding:"required"`
		SignalType string `json:"signal_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if err := s.eng.Store.DisableStrategy(req.Ticker, req.Timeframe, req.SignalType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disable strategy: " + err.Error()})
		return
	}
	s.sched.RebuildStrategyWorkers()
	c.JSON(http.StatusOK, gin.H{"message": "strategy disabled"})
}

// handleGetOverrides returns the current override flags; no TOTP
// challenge on a read.
func (s *Server) handleGetOverrides(c *gin.Context) {
	ignoreWindow, useMarket := s.eng.Overrides.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"ignore_session_window":    ignoreWindow,
		"use_market_orders_on_exit": useMarket,
	})
}

// handleSetOverrides flips one or both override flags, gated by a TOTP
// challenge per §9, and broadcasts the change over the Event Bus.
func (s *Server) handleSetOverrides(c *gin.Context) {
	if !s.requireTOTP(c) {
		return
	}

	var req struct {
		IgnoreSessionWindow   *bool `json:"ignore_session_window"`
		UseMarketOrdersOnExit *bool `json:"use_market_orders_on_exit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if req.IgnoreSessionWindow != nil {
		s.eng.Overrides.SetIgnoreSessionWindow(*req.IgnoreSessionWindow)
	}
	if req.UseMarketOrdersOnExit != nil {
		s.eng.Overrides.SetUseMarketOrdersOnExit(*req.UseMarketOrdersOnExit)
	}
	s.publishOverridesChanged()

	ignoreWindow, useMarket := s.eng.Overrides.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"ignore_session_window":    ignoreWindow,
		"use_market_orders_on_exit": useMarket,
	})
}

// handleListFavorites lists an operator's saved strategy presets.
func (s *Server) handleListFavorites(c *gin.Context) {
	userID := operatorID(c)
	list, err := s.eng.Store.ListFavorites(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list favorites: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorites": list})
}

// handleCreateFavorite saves a (ticker, signal_type, params) preset.
func (s *Server) handleCreateFavorite(c *gin.Context) {
	var req struct {
		Ticker     string        `json:"ticker" binding:"required"`
		SignalType string        `json:"signal_type" binding:"required"`
		Params     signal.Params `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialize params"})
		return
	}

	fav, err := s.eng.Store.CreateFavorite(operatorID(c), req.Ticker, req.SignalType, string(paramsJSON))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create favorite: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": fav.ID})
}

// handleDeleteFavorite removes a saved preset by id.
func (s *Server) handleDeleteFavorite(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid favorite id"})
		return
	}
	if err := s.eng.Store.DeleteFavorite(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete favorite: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "favorite deleted"})
}

// publishOverridesChanged broadcasts the new flag values per §9's
// "guarded by a mutex and broadcast" design note.
func (s *Server) publishOverridesChanged() {
	ignoreWindow, useMarket := s.eng.Overrides.Snapshot()
	s.bus.Publish(eventbus.Event{
		Name: eventbus.OverridesChanged,
		Payload: map[string]bool{
			"ignore_session_window":     ignoreWindow,
			"use_market_orders_on_exit": useMarket,
		},
	})
}

func operatorID(c *gin.Context) string {
	if v, ok := c.Get("operator_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "default"
}
