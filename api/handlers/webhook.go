package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"webhook-pipeline/internal/ingest"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Ingester records verified deliveries.
type Ingester interface {
	Ingest(ctx context.Context, d ingest.Delivery) (ingest.Result, error)
}

// HeaderNames are the inbound headers a provider delivery carries.
type HeaderNames struct {
	Signature string
	EventID   string
	EventType string
	CompanyID string
}

type WebhookHandler struct {
	logger   *zap.Logger
	ingester Ingester
	headers  HeaderNames
}

func NewWebhookHandler(logger *zap.Logger, ingester Ingester, headers HeaderNames) *WebhookHandler {
	return &WebhookHandler{
		logger:   logger,
		ingester: ingester,
		headers:  headers,
	}
}

// HandleWebhook answers 202 for a new event, 200 for a duplicate, 4xx for a
// rejected delivery and 500 only when the event could not be stored.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	start := time.Now()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		h.logger.Error("Failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
		return
	}

	delivery := ingest.Delivery{
		Body:            body,
		Signature:       c.GetHeader(h.headers.Signature),
		ProviderEventID: c.GetHeader(h.headers.EventID),
		EventType:       c.GetHeader(h.headers.EventType),
		CompanyID:       c.GetHeader(h.headers.CompanyID),
	}

	res, err := h.ingester.Ingest(c.Request.Context(), delivery)
	if err != nil {
		var verr *ingest.VerificationError
		if errors.As(err, &verr) {
			c.JSON(verr.Status, gin.H{"error": verr.Code, "message": verr.Message})
			return
		}
		h.logger.Error("Failed to ingest webhook delivery", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store event"})
		return
	}

	h.logger.Debug("Handled webhook delivery",
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", time.Since(start)))

	switch res.Outcome {
	case ingest.OutcomeDuplicate:
		c.JSON(http.StatusOK, gin.H{"status": string(res.Outcome)})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"status":     string(res.Outcome),
			"event_id":   res.Event.ID,
			"company_id": res.Event.CompanyID,
		})
	}
}

// Validate answers the provider's URL check.
func (h *WebhookHandler) Validate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Webhook endpoint is ready",
	})
}
