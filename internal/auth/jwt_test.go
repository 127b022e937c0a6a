package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issuedAt = time.Unix(1700000000, 0).UTC()

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager("secret", "callsync")
	require.NoError(t, err)

	return m
}

func TestManagerFromConfigRequiresStrongSecret(t *testing.T) {
	previous := config.Conf
	t.Cleanup(func() { config.Conf = previous })

	config.Conf.JWTSecret = ""
	config.Conf.JWTAllowInsecureSecret = false

	_, err := NewManagerFromConfig()
	require.ErrorIs(t, err, ErrWeakSecret)

	config.Conf.JWTSecret = "change-me"

	_, err = NewManagerFromConfig()
	require.ErrorIs(t, err, ErrWeakSecret)

	config.Conf.JWTAllowInsecureSecret = true

	m, err := NewManagerFromConfig()
	require.NoError(t, err)
	assert.NotNil(t, m)

	config.Conf.JWTSecret = ""

	_, err = NewManagerFromConfig()
	require.ErrorIs(t, err, ErrMissingSecret)

	config.Conf.JWTSecret = "0123456789abcdef0123456789abcdef"
	config.Conf.JWTAllowInsecureSecret = false

	_, err = NewManagerFromConfig()
	require.NoError(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Issue(issuedAt, Principal{UserID: "user-1", OrganizationID: "org-1"}, 15*time.Minute)
	require.NoError(t, err)

	principal, err := m.Verify(token, issuedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "user-1", OrganizationID: "org-1"}, principal)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Issue(issuedAt, Principal{UserID: "u", OrganizationID: "o"}, time.Minute)
	require.NoError(t, err)

	_, err = m.Verify(token, issuedAt.Add(time.Hour))
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	other, err := NewManager("other-secret", "callsync")
	require.NoError(t, err)

	token, err := other.Issue(issuedAt, Principal{UserID: "u", OrganizationID: "o"}, time.Minute)
	require.NoError(t, err)

	_, err = newTestManager(t).Verify(token, issuedAt)
	require.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestVerifyRequiresOrganization(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Issue(issuedAt, Principal{UserID: "u"}, time.Minute)
	require.NoError(t, err)

	_, err = m.Verify(token, issuedAt)
	require.ErrorIs(t, err, ErrMissingOrganization)
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager("", "")
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestPrincipalAuthorize(t *testing.T) {
	principal := Principal{UserID: "u", OrganizationID: "org-1"}

	require.NoError(t, principal.Authorize("org-1"))
	require.ErrorIs(t, principal.Authorize("org-2"), ErrForeignOrganization)
	require.ErrorIs(t, principal.Authorize(""), ErrForeignOrganization)
}

func TestRequireSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := newTestManager(t)

	token, err := m.Issue(time.Now(), Principal{UserID: "u", OrganizationID: "org-1"}, time.Minute)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/me", RequireSession(m), func(c *gin.Context) {
		principal, err := PrincipalFrom(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}

		c.String(http.StatusOK, principal.OrganizationID)
	})

	tests := []struct {
		name   string
		target string
		header string
		code   int
		body   string
	}{
		{name: "bearer header", target: "/me", header: "Bearer " + token, code: http.StatusOK, body: "org-1"},
		{name: "query parameter", target: "/me?access_token=" + token, code: http.StatusOK, body: "org-1"},
		{name: "missing token", target: "/me", code: http.StatusUnauthorized},
		{name: "garbage token", target: "/me", header: "Bearer nope", code: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)

			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}
