// Package httpapi exposes the provider webhook, the operator stop endpoint,
// realtime subscriptions and health over gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/auth"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/broadcast"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Stopper interface {
	Stop(ctx context.Context, ref call.Ref) (*lifecycle.Outcome, error)
}

// HealthCheck reports nil when the dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handlers struct {
	Engine   Stopper
	Webhook  *webhook.Handler
	Sessions *auth.Manager
	Hub      *broadcast.Hub
	// Checks gate the health status; Degraded are only reported.
	Checks   map[string]HealthCheck
	Degraded map[string]HealthCheck

	Upgrader      websocket.Upgrader
	WriteTimeout  time.Duration
	StopTimeout   time.Duration
	HealthTimeout time.Duration
	baseCtx       context.Context
}

func NewHandlers(engine Stopper, hook *webhook.Handler, sessions *auth.Manager, hub *broadcast.Hub) *Handlers {
	return &Handlers{
		Engine:        engine,
		Webhook:       hook,
		Sessions:      sessions,
		Hub:           hub,
		Checks:        make(map[string]HealthCheck),
		Degraded:      make(map[string]HealthCheck),
		Upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		WriteTimeout:  time.Duration(config.Conf.RealtimeWriteTimeout) * time.Second,
		StopTimeout:   time.Duration(config.Conf.StopCallTimeout) * time.Second,
		HealthTimeout: 2 * time.Second,
	}
}

// NewRouter builds the gin engine. ctx bounds the lifetime of realtime
// connections so shutdown closes them.
func NewRouter(ctx context.Context, h *Handlers) *gin.Engine {
	h.baseCtx = ctx

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", h.Health)
	router.POST(config.Conf.WebhookPath, h.Webhook.Handle)

	v1 := router.Group("/v1", auth.RequireSession(h.Sessions))
	v1.POST("/calls/:call_id/stop", h.StopCall)
	v1.GET("/realtime", h.Realtime)

	return router
}

// NewServer wraps router in an http.Server with the configured timeouts.
func NewServer(router http.Handler) *http.Server {
	timeout := time.Duration(config.Conf.HTTPTimeout) * time.Second

	return &http.Server{
		Addr:              ":" + config.Conf.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: timeout,
		ReadTimeout:       timeout,
		IdleTimeout:       4 * timeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logging.Named("http").Debug("[HTTP] Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
