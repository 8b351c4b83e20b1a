package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"dealroom/internal/domain/shared/wallet"
)

const principalContextKey = "dealroom.principal"

var ErrInvalidToken = errors.New("auth: invalid token")

type principal struct {
	ID    string
	Roles []string
	Token string
}

func (p principal) HasRole(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return false
	}
	for _, r := range p.Roles {
		if strings.ToLower(r) == role {
			return true
		}
	}
	return false
}

// TokenService signs and verifies HS256 bearer tokens. The subject is the
// participant id, usually a wallet address.
type TokenService struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

type claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (t TokenService) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t TokenService) Issue(subject string, roles ...string) (string, error) {
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := t.now()
	c := claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet.Canonical(subject),
			Issuer:    t.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.Secret)
}

func (t TokenService) Parse(raw string) (principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return t.Secret, nil }, opts...)
	if err != nil {
		return principal{}, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid {
		return principal{}, ErrInvalidToken
	}
	id := wallet.Canonical(c.Subject)
	if id == "" {
		return principal{}, errors.Join(ErrInvalidToken, errors.New("missing subject"))
	}
	return principal{ID: id, Roles: c.Roles, Token: raw}, nil
}

type AuthMiddleware struct {
	Tokens TokenService
	Logger *slog.Logger
}

// Handle attaches the principal when a valid bearer token is present.
// Routes decide for themselves whether a principal is required.
func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = tokenFromSubprotocol(c.GetHeader("Sec-WebSocket-Protocol"))
	}
	if token == "" || len(m.Tokens.Secret) == 0 {
		c.Next()
		return
	}
	p, err := m.Tokens.Parse(token)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	setPrincipal(c, p)
	c.Next()
}

func setPrincipal(c *gin.Context, p principal) {
	c.Set(principalContextKey, p)
	c.Set("participant_id", p.ID)
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireRole(c *gin.Context, role string) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, false
	}
	if role != "" && !p.HasRole(role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// tokenFromSubprotocol reads "bearer, <token>" which browsers can send on a
// websocket handshake where custom headers are unavailable.
func tokenFromSubprotocol(header string) string {
	parts := strings.Split(header, ",")
	if len(parts) < 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
