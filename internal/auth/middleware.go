package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	tokenQueryParam     = "access_token"
	principalKey        = "principal"
)

var ErrNoPrincipal = errors.New("principal not in context")

type ctxKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, principal)
}

func PrincipalFrom(ctx context.Context) (Principal, error) {
	principal, ok := ctx.Value(ctxKey{}).(Principal)
	if !ok || principal.OrganizationID == "" {
		return Principal{}, ErrNoPrincipal
	}

	return principal, nil
}

// RequireSession verifies the bearer token (or the access_token query
// parameter, which browsers need for websocket upgrades) and stores the
// principal on the request.
func RequireSession(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		principal, err := m.Verify(token, time.Now())
		if err != nil {
			logging.Logger.Debug("[RequireSession] Rejected token", zap.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})

			return
		}

		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), principal))
		c.Set(principalKey, principal)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	}

	return strings.TrimSpace(c.Query(tokenQueryParam))
}
