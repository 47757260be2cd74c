package compliance

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tiltcheck/fairwatch/internal/logging"
)

// Handler serves the case and compliance-history endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the compliance endpoints on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cases", h.listCases)
	r.GET("/cases/:id", h.getCase)
	r.POST("/cases/:id/close", h.closeCase)
	r.GET("/users/:id/compliance", h.userCompliance)
}

func (h *Handler) listCases(c *gin.Context) {
	status := c.DefaultQuery("status", CaseStatusOpen)
	if status == "all" {
		status = ""
	}
	cases, err := h.svc.store.ListCases(c.Request.Context(), status)
	if err != nil {
		logging.L(c.Request.Context()).Error("list cases", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

func (h *Handler) getCase(c *gin.Context) {
	found, err := h.svc.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
			return
		}
		logging.L(c.Request.Context()).Error("get case", "error", err, "caseId", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *Handler) closeCase(c *gin.Context) {
	closed, err := h.svc.CloseCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
			return
		}
		logging.L(c.Request.Context()).Error("close case", "error", err, "caseId", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, closed)
}

func (h *Handler) userCompliance(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	violations, err := h.svc.UserHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("user compliance history", "error", err, "userId", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	bySeverity := map[string]int{}
	for _, v := range violations {
		bySeverity[string(v.Severity)]++
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":               c.Param("id"),
		"violations":           violations,
		"violationCount":       len(violations),
		"violationsBySeverity": bySeverity,
	})
}
