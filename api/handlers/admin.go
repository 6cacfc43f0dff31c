package handlers

import (
	"context"
	"errors"
	"net/http"

	"webhook-pipeline/api/middleware"
	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/registry"
	"webhook-pipeline/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Reprocessor is the operator re-queue hook.
type Reprocessor interface {
	Reprocess(ctx context.Context, eventID string) (*models.WebhookEvent, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
}

// AdminHandler manages subscriptions and operator actions.
type AdminHandler struct {
	registry    *registry.Registry
	reprocessor Reprocessor
	dispatcher  Dispatcher
	logger      *zap.Logger
}

func NewAdminHandler(reg *registry.Registry, reprocessor Reprocessor, dispatcher Dispatcher, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		registry:    reg,
		reprocessor: reprocessor,
		dispatcher:  dispatcher,
		logger:      logger,
	}
}

func (h *AdminHandler) UpsertSubscription(c *gin.Context) {
	var in registry.SubscriptionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.registry.Upsert(c.Request.Context(), c.Param("company_id"), in)
	if errors.Is(err, registry.ErrInvalidSubscription) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to save subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save subscription"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *AdminHandler) ListSubscriptions(c *gin.Context) {
	subs, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list subscriptions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []*models.WebhookSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *AdminHandler) GetSubscription(c *gin.Context) {
	sub, err := h.registry.Lookup(c.Request.Context(), c.Param("company_id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get subscription"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Reprocess moves a failed or archived event back to pending and dispatches it.
func (h *AdminHandler) Reprocess(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ev, err := h.reprocessor.Reprocess(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return
	case errors.Is(err, models.ErrIllegalTransition), errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to reprocess event", zap.Error(err), zap.String("event_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reprocess event"})
		return
	}

	if err := h.dispatcher.Dispatch(ctx, ev.ID); err != nil {
		// The event is pending again; the supervisor re-dispatches it.
		h.logger.Error("Failed to dispatch reprocessed event", zap.Error(err), zap.String("event_id", ev.ID))
	}

	h.logger.Info("Event reprocess requested",
		zap.String("event_id", ev.ID),
		zap.String("client_id", c.GetString(middleware.ClientIDKey)))
	c.JSON(http.StatusAccepted, gin.H{"status": string(ev.Status), "event": ev})
}
