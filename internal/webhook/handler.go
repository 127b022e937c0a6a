package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	maxBodyBytes    = 1 << 20
)

var ErrBadSignature = errors.New("webhook signature mismatch")

type Ingester interface {
	Ingest(ctx context.Context, event *Event) (Result, error)
}

// Handler is the provider-facing endpoint. Unknown calls are acknowledged with
// 202 so the provider stops retrying; only persistence failures ask for a retry.
type Handler struct {
	Service Ingester
	Secret  string
}

func NewHandler(service Ingester, secret string) *Handler {
	return &Handler{Service: service, Secret: secret}
}

func (h *Handler) Handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.reject(c, http.StatusBadRequest, "invalid_body", "unreadable body")
		return
	}

	err = VerifySignature(h.Secret, body, c.GetHeader(SignatureHeader))
	if err != nil {
		h.reject(c, http.StatusUnauthorized, "bad_signature", "invalid signature")
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		logging.Logger.Warn("[Handle] Malformed webhook", zap.String("error", err.Error()))
		h.reject(c, http.StatusBadRequest, "malformed", "malformed event")

		return
	}

	result, err := h.Service.Ingest(c.Request.Context(), event)
	if err != nil {
		logging.Logger.Error("[Handle] Failed to ingest webhook",
			zap.String("provider_call_id", event.CallID),
			zap.String("error", err.Error()),
		)

		if errors.Is(err, lifecycle.ErrPersistence) {
			h.reject(c, http.StatusServiceUnavailable, "persistence_failed", "try again later")
			return
		}

		h.reject(c, http.StatusInternalServerError, "failed", "ingest failed")

		return
	}

	if result.Resolution == Unresolved {
		prometheusCallsync.WebhookEvents.WithLabelValues("unresolved").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})

		return
	}

	outcome := "noop"
	if result.Outcome != nil && result.Outcome.Changed {
		outcome = "applied"
	}

	prometheusCallsync.WebhookEvents.WithLabelValues(outcome).Inc()

	c.JSON(http.StatusOK, gin.H{
		"status":      outcome,
		"call_id":     result.Outcome.Call.ID,
		"call_status": result.Outcome.Call.Status,
	})
}

func (h *Handler) reject(c *gin.Context, code int, result, message string) {
	prometheusCallsync.WebhookEvents.WithLabelValues(result).Inc()
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}

// VerifySignature checks a hex HMAC-SHA256 of body, optionally prefixed with
// "sha256=". An empty secret disables the check.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(provided) == 0 {
		return ErrBadSignature
	}

	if !hmac.Equal(provided, Sign(secret, body)) {
		return ErrBadSignature
	}

	return nil
}

func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return mac.Sum(nil)
}
