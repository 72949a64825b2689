package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
)

const (
	AccountIDKey = "account_id"
	TokenKey     = "token"
)

var (
	ErrMissingToken   = errors.New("missing token")
	ErrSessionExpired = errors.New("session expired")
)

// TokenFrom returns the request's bearer token. Websocket and EventSource
// clients cannot set headers, so ?token= is accepted as a fallback.
func TokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return c.Query("token")
}

// Authenticate checks the token signature and that its login session is
// still live in the cache. Logout and refresh end sessions before their JWT
// expires.
func Authenticate(ctx context.Context, sec config.SecurityConfig, c cache.Cache, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := ParseToken(token, sec.JWTSecret)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	owner, err := c.Get(ctx, cache.SessionKey(token))
	if err != nil || owner != strconv.FormatInt(claims.AccountID, 10) {
		return nil, ErrSessionExpired
	}
	return claims, nil
}

// Auth rejects requests without a live session and exposes the account id
// and token to handlers.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := TokenFrom(ctx)
		claims, err := Authenticate(ctx.Request.Context(), sec, c, token)
		if err != nil {
			AbortUnauthorized(ctx, err)
			return
		}
		ctx.Set(AccountIDKey, claims.AccountID)
		ctx.Set(TokenKey, token)
		ctx.Next()
	}
}

// AbortUnauthorized answers 401 with a message that does not leak why a
// signature failed.
func AbortUnauthorized(c *gin.Context, err error) {
	msg := "invalid token"
	if errors.Is(err, ErrMissingToken) || errors.Is(err, ErrSessionExpired) {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}

// GetAccountID retrieves the authenticated account ID from the Gin context.
func GetAccountID(c *gin.Context) int64 {
	return c.GetInt64(AccountIDKey)
}

// GetToken retrieves the token Auth accepted.
func GetToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}
