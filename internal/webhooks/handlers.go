package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/internal/idgen"
	"github.com/aexlabs/aex/internal/logging"
)

// Handler provides the operator CRUD surface for webhook subscriptions.
// Routes are mounted behind the admin control-key middleware.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a webhook admin handler.
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// RegisterRoutes sets up the webhook admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/webhooks", h.ListSubscriptions)
	r.GET("/webhooks/:id", h.GetSubscription)
	r.PATCH("/webhooks/:id", h.UpdateSubscription)
	r.DELETE("/webhooks/:id", h.DeleteSubscription)
}

// CreateSubscriptionRequest is the payload for POST /admin/webhooks.
type CreateSubscriptionRequest struct {
	URL     string   `json:"url" binding:"required"`
	Events  []string `json:"events" binding:"required"`
	AgentID string   `json:"agent_id"`
}

// UpdateSubscriptionRequest is the payload for PATCH; nil fields are
// left unchanged.
type UpdateSubscriptionRequest struct {
	URL    *string   `json:"url,omitempty"`
	Events *[]string `json:"events,omitempty"`
	Active *bool     `json:"active,omitempty"`
}

func parseEventTypes(raw []string) ([]EventType, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one event type is required")
	}
	events := make([]EventType, len(raw))
	for i, e := range raw {
		et := EventType(e)
		if !et.Valid() {
			return nil, errors.New("unknown event type " + e)
		}
		events[i] = et
	}
	return events, nil
}

// CreateSubscription handles POST /admin/webhooks.
// The response carries the signing secret; it is never shown again.
func (h *Handler) CreateSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	events, err := parseEventTypes(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_events",
			"message": err.Error(),
		})
		return
	}

	if h.dispatcher != nil {
		if err := h.dispatcher.ValidateURL(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_url",
				"message": err.Error(),
			})
			return
		}
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		AgentID:   req.AgentID,
		URL:       req.URL,
		Secret:    generateSecret(),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(ctx, sub); err != nil {
		logger.Error("failed to create webhook subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}

	logger.Info("webhook subscription created",
		"subscription", sub.ID,
		"url", sub.URL,
		"events", len(sub.Events),
	)

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
		"usage": gin.H{
			"signature": "HMAC-SHA256(payload, secret), hex",
			"header":    "X-AEX-Signature",
		},
	})
}

// ListSubscriptions handles GET /admin/webhooks.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// GetSubscription handles GET /admin/webhooks/:id.
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get subscription",
		})
		return
	}
	c.JSON(http.StatusOK, sub)
}

// UpdateSubscription handles PATCH /admin/webhooks/:id.
func (h *Handler) UpdateSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	id := c.Param("id")

	var req UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sub, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get subscription",
		})
		return
	}

	if req.URL != nil {
		if h.dispatcher != nil {
			if err := h.dispatcher.ValidateURL(*req.URL); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_url",
					"message": err.Error(),
				})
				return
			}
		}
		sub.URL = *req.URL
	}
	if req.Events != nil {
		events, err := parseEventTypes(*req.Events)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_events",
				"message": err.Error(),
			})
			return
		}
		sub.Events = events
	}
	if req.Active != nil {
		sub.Active = *req.Active
		if sub.Active {
			// Re-enabling clears the failure streak.
			sub.ConsecutiveFailures = 0
			sub.LastError = ""
		}
	}

	if err := h.store.Update(ctx, sub); err != nil {
		logger.Error("failed to update webhook subscription", "subscription", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update subscription",
		})
		return
	}

	logger.Info("webhook subscription updated", "subscription", id)
	c.JSON(http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /admin/webhooks/:id.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete subscription",
		})
		return
	}

	logging.L(ctx).Info("webhook subscription deleted", "subscription", id)
	c.Status(http.StatusNoContent)
}

func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
