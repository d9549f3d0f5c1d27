package agent

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/internal/logging"
	"github.com/aexlabs/aex/internal/validation"
)

// Handler provides the operator CRUD surface for agents.
// Routes are mounted behind the admin control-key middleware.
type Handler struct {
	mgr *Manager
}

// NewHandler creates a new agent admin handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes sets up the agent admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.CreateAgent)
	r.GET("/agents", h.ListAgents)

	named := r.Group("", validation.NameParamMiddleware())
	named.GET("/agents/:name", h.GetAgent)
	named.PATCH("/agents/:name", h.UpdateAgent)
	named.POST("/agents/:name/rotate_token", h.RotateToken)
	named.DELETE("/agents/:name", h.DeleteAgent)
}

// CreateAgent handles POST /admin/agents.
// The response carries the raw token; it is never shown again.
func (h *Handler) CreateAgent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Name = validation.SanitizeString(req.Name, validation.MaxStringLength)
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.ValidAgentName("name", req.Name),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	a, rawToken, err := h.mgr.Create(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentExists):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "agent_exists",
				"message": "An agent with this name is already registered",
			})
		case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrBudgetBelowCommitted):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			logger.Error("failed to create agent", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to create agent",
			})
		}
		return
	}

	logger.Info("agent created",
		"agent_id", a.ID,
		"agent", a.Name,
		"scope", a.Scope,
		"budget_micro", a.BudgetMicro,
	)

	c.JSON(http.StatusCreated, gin.H{
		"agent": a,
		"token": rawToken,
	})
}

// GetAgent handles GET /admin/agents/:name.
func (h *Handler) GetAgent(c *gin.Context) {
	ctx := c.Request.Context()

	a, err := h.mgr.GetByName(ctx, c.Param("name"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get agent",
		})
		return
	}

	c.JSON(http.StatusOK, a)
}

// ListAgents handles GET /admin/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	agents, err := h.mgr.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list agents",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// UpdateAgent handles PATCH /admin/agents/:name.
func (h *Handler) UpdateAgent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	name := c.Param("name")

	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	a, err := h.mgr.Patch(ctx, name, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
		case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrBudgetBelowCommitted):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			logger.Error("failed to update agent", "agent", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to update agent",
			})
		}
		return
	}

	logger.Info("agent updated", "agent_id", a.ID, "agent", a.Name)
	c.JSON(http.StatusOK, a)
}

// RotateToken handles POST /admin/agents/:name/rotate_token.
func (h *Handler) RotateToken(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	name := c.Param("name")

	var req RotateTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	a, rawToken, err := h.mgr.RotateToken(ctx, name, req.TokenTTLSeconds)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		logger.Error("failed to rotate token", "agent", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to rotate token",
		})
		return
	}

	logger.Info("agent token rotated", "agent_id", a.ID, "agent", a.Name)
	c.JSON(http.StatusOK, gin.H{
		"agent_id": a.ID,
		"token":    rawToken,
	})
}

// DeleteAgent handles DELETE /admin/agents/:name.
func (h *Handler) DeleteAgent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	name := c.Param("name")

	if err := h.mgr.Delete(ctx, name); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		logger.Error("failed to delete agent", "agent", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete agent",
		})
		return
	}

	logger.Info("agent deleted", "agent", name)
	c.Status(http.StatusNoContent)
}
