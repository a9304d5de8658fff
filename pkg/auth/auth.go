// Package auth resolves the caller of the API from a bearer token: user,
// tenant, roles and permissions.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/moogar0880/problems"
)

const (
	DefaultIssuer = "lexflow"
	DefaultTTL    = 8 * time.Hour

	// AllPermissions grants every permission.
	AllPermissions = "*"
)

// Permissions checked by the API.
const (
	PermissionManage  = "flujos:gestionar"
	PermissionExecute = "flujos:ejecutar"
	PermissionApprove = "flujos:aprobar"
	PermissionView    = "flujos:ver"
)

var (
	ErrMissingToken = errors.New("authorization header is required")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoTenant     = errors.New("token has no tenant")
)

const identityKey = "lexflow.identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	TenantID    string
	Roles       []string
	Permissions []string
}

// Can reports whether the caller holds permission.
func (i *Identity) Can(permission string) bool {
	return slices.Contains(i.Permissions, AllPermissions) || slices.Contains(i.Permissions, permission)
}

// Claims is the token payload. The user id travels as the subject.
type Claims struct {
	TenantID    string   `json:"empresaId"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permisos,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates HS256 tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for identity.
func (m *Manager) Issue(identity Identity) (string, error) {
	now := m.now()

	claims := &Claims{
		TenantID:    identity.TenantID,
		Roles:       identity.Roles,
		Permissions: identity.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   identity.UserID,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate checks signature, issuer and expiry of a token and returns its identity.
func (m *Manager) Validate(tokenString string) (*Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.TenantID == "" {
		return nil, ErrNoTenant
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &Identity{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

// Middleware authenticates the bearer token of every request and stores the
// identity for handlers.
func (m *Manager) Middleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		token, err := bearer(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return unauthorized(c, err)
		}

		identity, err := m.Validate(token)
		if err != nil {
			return unauthorized(c, err)
		}

		c.Locals(identityKey, identity)

		return c.Next()
	}
}

// Require rejects callers lacking permission. It must run after Middleware;
// fiber route methods take the handler first and the middleware after it.
func Require(permission string) fiber.Handler {
	return func(c fiber.Ctx) error {
		identity, ok := FromContext(c)
		if !ok {
			return unauthorized(c, ErrMissingToken)
		}

		if !identity.Can(permission) {
			problem := problems.NewStatusProblem(fiber.StatusForbidden).
				WithInstance(c.Path()).
				WithType("forbidden").
				WithDetail("missing permission " + permission)

			return c.Status(fiber.StatusForbidden).JSON(problem)
		}

		return c.Next()
	}
}

// FromContext returns the identity stored by Middleware.
func FromContext(c fiber.Ctx) (*Identity, bool) {
	identity, ok := c.Locals(identityKey).(*Identity)

	return identity, ok
}

func bearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}

	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("%w: expected a bearer token", ErrInvalidToken)
	}

	return strings.TrimSpace(header[len(prefix):]), nil
}

func unauthorized(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusUnauthorized).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(err.Error())

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}
