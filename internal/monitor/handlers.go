package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tiltcheck/fairwatch/internal/ledger"
	"github.com/tiltcheck/fairwatch/internal/logging"
	"github.com/tiltcheck/fairwatch/internal/validation"
)

// Handler serves the tracking and reporting endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the monitoring endpoints on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/track/bet", h.trackBet)
	r.POST("/track/outcome", h.trackOutcome)
	r.POST("/monitor/start", h.startMonitoring)
	r.POST("/monitor/stop", h.stopMonitoring)
	r.GET("/users/:id/status", h.userStatus)
	r.GET("/users/:id/sessions/:sessionId/report", h.sessionReport)
	r.GET("/operators/:id/report", h.operatorReport)
}

type trackBetRequest struct {
	UserID     string    `json:"userId"`
	OperatorID string    `json:"operatorId"`
	GameType   string    `json:"gameType"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"` // event time; omitted means now
}

func (h *Handler) trackBet(c *gin.Context) {
	var req trackBetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidIdentifier("userId", req.UserID),
		validation.Required("operatorId", req.OperatorID),
		validation.ValidIdentifier("operatorId", req.OperatorID),
		validation.Required("gameType", req.GameType),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	ref, err := h.svc.TrackBet(c.Request.Context(), req.UserID, req.OperatorID, req.GameType, req.Amount, req.Timestamp)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

type trackOutcomeRequest struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	BetIndex  int       `json:"betIndex"`
	WinAmount float64   `json:"winAmount"`
	Timestamp time.Time `json:"timestamp"` // event time; omitted means now
}

func (h *Handler) trackOutcome(c *gin.Context) {
	var req trackOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidIdentifier("userId", req.UserID),
		validation.Required("sessionId", req.SessionID),
		validation.NonNegativeAmount("winAmount", req.WinAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	analysis, err := h.svc.TrackOutcome(c.Request.Context(), req.UserID, req.SessionID, req.BetIndex, req.WinAmount, req.Timestamp)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

type monitorRequest struct {
	UserID       string  `json:"userId"`
	OperatorID   string  `json:"operatorId"`
	OperatorName string  `json:"operatorName"`
	ClaimedRTP   float64 `json:"claimedRtp"`
}

func (h *Handler) startMonitoring(c *gin.Context) {
	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidIdentifier("userId", req.UserID),
		validation.Required("operatorId", req.OperatorID),
		validation.ValidIdentifier("operatorId", req.OperatorID),
		validation.RTPFraction("claimedRtp", req.ClaimedRTP),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	name := validation.SanitizeString(req.OperatorName, 200)
	m := h.svc.StartMonitoring(c.Request.Context(), req.UserID, req.OperatorID, name, req.ClaimedRTP)
	c.JSON(http.StatusOK, m)
}

func (h *Handler) stopMonitoring(c *gin.Context) {
	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.OperatorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and operatorId are required"})
		return
	}

	h.svc.StopMonitoring(c.Request.Context(), req.UserID, req.OperatorID)
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (h *Handler) userStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetStatus(c.Param("id")))
}

func (h *Handler) sessionReport(c *gin.Context) {
	analysis, err := h.svc.SessionReport(c.Request.Context(), c.Param("id"), c.Param("sessionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

func (h *Handler) operatorReport(c *gin.Context) {
	report, err := h.svc.GetOperatorReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeError maps pipeline errors onto HTTP statuses. Unknown errors are
// logged but never echoed to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ledger.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"error": "bet already settled"})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
