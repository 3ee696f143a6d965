package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// PermissionAdmin gates the /v1/admin routes. PermissionLedgerWrite gates
// the settlement feeds that write to the chain.
const (
	PermissionAdmin       = "admin"
	PermissionLedgerWrite = "ledger:write"
)

// Claims represents JWT claims. The subject is the operator id recorded as
// granter, reviewer or acknowledger.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

func (c *Claims) has(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}
}

// Issue signs a token for subject. Used by operator tooling and tests.
func (a *Authenticator) Issue(subject uuid.UUID, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Permissions: permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate parses a bearer token and returns the operator id.
func (a *Authenticator) Authenticate(header, permission string) (uuid.UUID, error) {
	if len(a.secret) == 0 {
		return uuid.Nil, errors.NewUnauthorizedError("authentication is not configured")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return uuid.Nil, errors.NewUnauthorizedError("bearer token required")
	}

	var claims Claims
	if _, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return uuid.Nil, errors.NewUnauthorizedError("invalid or expired token").WithCause(err)
	}
	actor, err := uuid.Parse(claims.Subject)
	if err != nil || actor == uuid.Nil {
		return uuid.Nil, errors.NewUnauthorizedError("token subject is not an operator id")
	}
	if !claims.has(permission) {
		return uuid.Nil, errors.NewForbiddenError("token lacks the " + permission + " permission")
	}
	return actor, nil
}

func (s *Server) requirePermission(permission string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := s.auth.Authenticate(r.Header.Get("Authorization"), permission)
			if err != nil {
				s.logger.Info("request refused",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", clientIP(r)),
					zap.Error(err))
				s.writeError(w, r, err, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyActor, actor)))
		})
	}
}

func actorFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyActor).(uuid.UUID)
	return id
}
