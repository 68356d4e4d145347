package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey = "user_id"
	roleKey   = "role"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid or expired token")
)

// Claims are issued by the campus identity service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// Staff covers counter staff and administrators.
func (p Principal) Staff() bool {
	return p.Role == "staff" || p.Role == "admin"
}

// Owns reports whether the principal may act on a resource owned by userID.
func (p Principal) Owns(userID string) bool {
	return p.Staff() || p.UserID == userID
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Parse validates an HS256 token and returns its principal.
func (a *Authenticator) Parse(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, errMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return Principal{}, errInvalidToken
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// PrincipalFromRequest reads the bearer token from the Authorization header
// or, for EventSource and SockJS clients that cannot set headers, from the
// access_token query parameter.
func (a *Authenticator) PrincipalFromRequest(r *http.Request) (Principal, error) {
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return a.Parse(raw)
}

// Middleware rejects requests without a valid token.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := a.PrincipalFromRequest(c.Request)
		if err != nil {
			writeError(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		c.Set(userIDKey, principal.UserID)
		c.Set(roleKey, principal.Role)
		c.Next()
	}
}

// RequireStaff must run after Middleware.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principalFromContext(c).Staff() {
			writeError(c, http.StatusForbidden, "access_denied", "staff role required")
			return
		}
		c.Next()
	}
}

func principalFromContext(c *gin.Context) Principal {
	return Principal{UserID: c.GetString(userIDKey), Role: c.GetString(roleKey)}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
