package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/auth"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/broadcast"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StopCall cancels a call of the caller's organization.
func (h *Handlers) StopCall(c *gin.Context) {
	principal, err := auth.PrincipalFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization required"})
		return
	}

	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.StopTimeout)
	defer cancel()

	outcome, err := h.Engine.Stop(ctx, call.Ref{CallID: callID, OrganizationID: principal.OrganizationID})

	switch {
	case errors.Is(err, call.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	case errors.Is(err, lifecycle.ErrPersistence), errors.Is(err, lock.ErrLockTimeout):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	case err != nil:
		logging.Logger.Error("[StopCall] Failed to stop call",
			zap.String("call_id", callID),
			zap.String("organization_id", principal.OrganizationID),
			zap.String("error", err.Error()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stop failed"})

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call":    outcome.Call,
		"changed": outcome.Changed,
	})
}

// Realtime upgrades to a websocket and joins the organization room. The room
// defaults to the caller's organization; any other one is refused.
func (h *Handlers) Realtime(c *gin.Context) {
	principal, err := auth.PrincipalFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization required"})
		return
	}

	organizationID := c.DefaultQuery("organization_id", principal.OrganizationID)

	err = principal.Authorize(organizationID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "organization mismatch"})
		return
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Logger.Debug("[Realtime] Upgrade failed", zap.String("error", err.Error()))
		return
	}

	subscriber := broadcast.NewWebsocketSubscriber(conn, h.WriteTimeout)

	err = h.Hub.Join(principal, organizationID, subscriber)
	if err != nil {
		_ = conn.Close()
		return
	}

	defer func() {
		_ = h.Hub.Leave(principal, organizationID, subscriber.ID())
	}()

	ctx := h.baseCtx
	if ctx == nil {
		ctx = c.Request.Context()
	}

	subscriber.Run(ctx)
}

// Health runs every registered check and answers 503 if a gating check fails.
// Degraded dependencies are listed but never fail the probe.
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.HealthTimeout)
	defer cancel()

	checks, healthy := runChecks(ctx, h.Checks)
	degraded, _ := runChecks(ctx, h.Degraded)

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}

	body := gin.H{"checks": checks}
	if len(degraded) > 0 {
		body["degraded"] = degraded
	}

	c.JSON(code, body)
}

func runChecks(ctx context.Context, checks map[string]HealthCheck) (gin.H, bool) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}

	sort.Strings(names)

	healthy := true
	report := make(gin.H, len(names))

	for _, name := range names {
		err := checks[name](ctx)
		if err != nil {
			healthy = false
			report[name] = err.Error()

			continue
		}

		report[name] = "ok"
	}

	return report, healthy
}
