package auth

import (
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingSecret       = errors.New("jwt secret is required")
	ErrWeakSecret          = errors.New("jwt secret is too short")
	ErrMissingUserID       = errors.New("user_id missing")
	ErrMissingOrganization = errors.New("organization_id missing")
	ErrForeignOrganization = errors.New("principal does not belong to the organization")
)

const (
	clockSkew         = 30 * time.Second
	minSecretLength   = 32
	insecureSecretEnv = "JWT_ALLOW_INSECURE_SECRET"
)

// Claims carry the session identity the realtime and stop-call endpoints trust.
type Claims struct {
	jwt.RegisteredClaims

	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
}

// Principal is the verified caller.
type Principal struct {
	UserID         string
	OrganizationID string
}

// Authorize fails unless the principal belongs to organizationID.
func (p Principal) Authorize(organizationID string) error {
	if organizationID == "" || p.OrganizationID != organizationID {
		return ErrForeignOrganization
	}

	return nil
}

type Manager struct {
	secret []byte
	issuer string
}

func NewManager(secret, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
	}, nil
}

// NewManagerFromConfig refuses secrets shorter than minSecretLength unless
// JWT_ALLOW_INSECURE_SECRET is set, which is meant for local runs only.
func NewManagerFromConfig() (*Manager, error) {
	secret := config.Conf.JWTSecret

	if len(secret) < minSecretLength {
		if !config.Conf.JWTAllowInsecureSecret {
			return nil, fmt.Errorf("%w: need at least %d bytes or %s=true", ErrWeakSecret, minSecretLength, insecureSecretEnv)
		}

		logging.Logger.Warn("[Auth] Using a short jwt secret; sessions can be forged by anyone who guesses it")
	}

	return NewManager(secret, config.Conf.JWTIssuer)
}

// Issue signs a session token. Used by tooling and tests; sessions are
// normally minted by the user service.
func (m *Manager) Issue(now time.Time, principal Principal, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   principal.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:         principal.UserID,
		OrganizationID: principal.OrganizationID,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) Verify(tokenString string, now time.Time) (Principal, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}

	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Principal{}, err
	}

	if claims.UserID == "" {
		return Principal{}, ErrMissingUserID
	}

	if claims.OrganizationID == "" {
		return Principal{}, ErrMissingOrganization
	}

	return Principal{UserID: claims.UserID, OrganizationID: claims.OrganizationID}, nil
}
