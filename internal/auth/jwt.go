package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RolePoller     = "poller"
	RoleSupervisor = "supervisor"
	RoleOperator   = "operator"

	issuerName = "loomwatch"
)

var ErrUnauthorized = errors.New("unauthorized")

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints and checks the bearer tokens exchanged between poller, hub
// and operators. It accepts HS256 tokens signed with the shared secret and,
// when configured, a fixed shared token.
type Issuer struct {
	secretKey   []byte
	staticToken string
	ttl         time.Duration
	now         func() time.Time
}

func NewIssuer(secretKey, staticToken string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Issuer{
		secretKey:   []byte(secretKey),
		staticToken: staticToken,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Enabled reports whether any credential is configured. A disabled issuer
// lets every request through.
func (i *Issuer) Enabled() bool {
	return len(i.secretKey) > 0 || i.staticToken != ""
}

// Issue creates a signed token for subject with the given role.
func (i *Issuer) Issue(subject, role string) (string, error) {
	if len(i.secretKey) == 0 {
		return "", fmt.Errorf("no signing secret configured")
	}

	now := i.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Issuer:    issuerName,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secretKey)
}

// Token returns the credential the poller presents to the hub: a fresh
// worker token when a secret is set, otherwise the static token.
func (i *Issuer) Token() (string, error) {
	if len(i.secretKey) > 0 {
		return i.Issue(RolePoller, RolePoller)
	}
	return i.staticToken, nil
}

// Validate parses and verifies a signed token.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	if len(i.secretKey) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secretKey, nil
	}, jwt.WithIssuer(issuerName), jwt.WithTimeFunc(i.now))

	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse token: %w", ErrUnauthorized, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
}

// Authenticate resolves a presented token to a role. The static token maps
// to the poller role.
func (i *Issuer) Authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if i.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(i.staticToken)) == 1 {
		return RolePoller, nil
	}
	claims, err := i.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.Role, nil
}
