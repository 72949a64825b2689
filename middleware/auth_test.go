package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSec = config.SecurityConfig{JWTSecret: testSecret, JWTTTLH: time.Hour}

func newSessionCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.CacheConfig{})
	require.NoError(t, err)
	return c
}

// login issues a token for account and records its session as the
// auth handler does.
func login(t *testing.T, c cache.Cache, account int64, owner string) string {
	t.Helper()
	token, err := GenerateToken(account, testSecret, time.Hour)
	require.NoError(t, err)
	if owner != "" {
		require.NoError(t, c.Set(context.Background(), cache.SessionKey(token), owner, time.Hour))
	}
	return token
}

func TestAuth(t *testing.T) {
	c := newSessionCache(t)
	live := login(t, c, 42, "42")
	noSession := login(t, c, 42, "")
	wrongOwner := login(t, c, 42, "43")

	var gotAccount int64
	var gotToken string
	r := gin.New()
	r.Use(Auth(testSec, c))
	r.GET("/api/auth/refresh", func(ctx *gin.Context) {
		gotAccount, gotToken = GetAccountID(ctx), GetToken(ctx)
		ctx.Status(http.StatusOK)
	})

	cases := []struct {
		name    string
		header  string
		query   string
		want    int
		message string
	}{
		{"no credentials", "", "", http.StatusUnauthorized, "missing token"},
		{"wrong scheme", "Token " + live, "", http.StatusUnauthorized, "missing token"},
		{"garbage", "Bearer notavalidtoken", "", http.StatusUnauthorized, "invalid token"},
		{"logged out", "Bearer " + noSession, "", http.StatusUnauthorized, "session expired"},
		{"session of another account", "Bearer " + wrongOwner, "", http.StatusUnauthorized, "session expired"},
		{"header", "Bearer " + live, "", http.StatusOK, ""},
		{"query fallback", "", live, http.StatusOK, ""},
		{"header wins over query", "Bearer junk", live, http.StatusUnauthorized, "invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotAccount, gotToken = 0, ""
			target := "/api/auth/refresh"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusOK {
				assert.Equal(t, int64(42), gotAccount)
				assert.Equal(t, live, gotToken)
			} else {
				assert.Contains(t, w.Body.String(), tc.message)
			}
		})
	}
}

func TestAuthenticate_Errors(t *testing.T) {
	c := newSessionCache(t)
	ctx := context.Background()

	_, err := Authenticate(ctx, testSec, c, "")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = Authenticate(ctx, testSec, c, "x.y.z")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = Authenticate(ctx, testSec, c, login(t, c, 5, ""))
	assert.ErrorIs(t, err, ErrSessionExpired)

	claims, err := Authenticate(ctx, testSec, c, login(t, c, 5, "5"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), claims.AccountID)
}

func TestGetAccountID_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Zero(t, GetAccountID(c))
	assert.Empty(t, GetToken(c))
}
