package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signal_trader/internal/domain"
	"signal_trader/internal/executor"
	"signal_trader/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	coordinator *executor.Coordinator
	repo        store.Repository
	timeout     time.Duration
}

type submitSignalRequest struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channel_id"`
	Coin             string    `json:"coin"`
	Direction        string    `json:"direction"`
	EntryPrice       float64   `json:"entry_price"`
	Leverage         int       `json:"leverage"`
	TakeProfitLevels []float64 `json:"take_profit_levels"`
	StopLoss         float64   `json:"stop_loss"`
	Confidence       float64   `json:"confidence"`
}

type upsertChannelRequest struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	AccountID        string    `json:"account_id"`
	Active           bool      `json:"active"`
	Paused           bool      `json:"paused"`
	MaxOpenPositions int       `json:"max_open_positions"`
	ClosePercents    []float64 `json:"close_percents"`
}

func NewRouter(coordinator *executor.Coordinator, repo store.Repository, timeoutSec int) *gin.Engine {
	router := gin.Default()

	h := &Handler{
		coordinator: coordinator,
		repo:        repo,
		timeout:     time.Duration(timeoutSec) * time.Second,
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", h.health)
		v1.POST("/signals", h.submitSignal)
		v1.GET("/signals", h.listSignals)
		v1.GET("/signals/:id", h.getSignal)
		v1.GET("/positions", h.listPositions)
		v1.GET("/positions/:id", h.getPosition)
		v1.GET("/accounts", h.listAccounts)
		v1.GET("/accounts/:id", h.getAccount)
		v1.PUT("/channels", h.upsertChannel)
		v1.GET("/channels/:id", h.getChannel)
		v1.GET("/queue", h.queueDepth)
	}

	return router
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	depth, err := h.repo.QueueDepth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "degraded", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"time":        time.Now().UTC(),
		"queue_depth": depth,
	})
}

// submitSignal 接收信号并送入准入队列。重复 ID 幂等返回已有信号
func (h *Handler) submitSignal(c *gin.Context) {
	var req submitSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	sig := domain.Signal{
		ID:               req.ID,
		ChannelID:        strings.TrimSpace(req.ChannelID),
		Coin:             strings.TrimSpace(req.Coin),
		Direction:        domain.Direction(strings.ToUpper(strings.TrimSpace(req.Direction))),
		EntryPrice:       req.EntryPrice,
		Leverage:         req.Leverage,
		TakeProfitLevels: req.TakeProfitLevels,
		StopLoss:         req.StopLoss,
		Confidence:       req.Confidence,
		Status:           domain.SignalStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	task, err := h.coordinator.Submit(ctx, sig)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"signal_id": sig.ID,
		"task_id":   task.ID,
		"status":    task.Status,
	})
}

func (h *Handler) listSignals(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	signals, err := h.repo.ListSignals(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   len(signals),
		"signals": signals,
	})
}

func (h *Handler) getSignal(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing signal id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	sig, err := h.repo.GetSignal(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sig)
}

// listPositions 支持 ?open=true 只看未平仓
func (h *Handler) listPositions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var positions []domain.Position
	var err error
	if c.Query("open") == "true" {
		positions, err = h.repo.FindOpenPositions(ctx, c.Query("channel_id"))
	} else {
		positions, err = h.repo.ListPositions(ctx, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     len(positions),
		"positions": positions,
	})
}

func (h *Handler) getPosition(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing position id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	pos, err := h.repo.GetPosition(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, pos)
}

func (h *Handler) listAccounts(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	accounts, err := h.repo.ListAccounts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":    len(accounts),
		"accounts": accounts,
	})
}

func (h *Handler) getAccount(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	acc, err := h.repo.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, acc)
}

func (h *Handler) upsertChannel(c *gin.Context) {
	var req upsertChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing channel id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	ch := domain.Channel{
		ID:               req.ID,
		Name:             req.Name,
		AccountID:        req.AccountID,
		Active:           req.Active,
		Paused:           req.Paused,
		MaxOpenPositions: req.MaxOpenPositions,
		ClosePercents:    req.ClosePercents,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.repo.UpsertChannel(ctx, ch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "渠道已保存", "channel_id": ch.ID})
}

func (h *Handler) getChannel(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	ch, err := h.repo.GetChannel(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ch)
}

func (h *Handler) queueDepth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	depth, err := h.repo.QueueDepth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue_depth": depth})
}
