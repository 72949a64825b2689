package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/gridstash/api/rest"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	"github.com/kasuganosora/gridstash/model"
	"github.com/kasuganosora/gridstash/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testBags = config.InventoryConfig{BagBase: 1000, BagWidth: 8, BagHeight: 6}

type authFixture struct {
	r     *gin.Engine
	db    *gorm.DB
	cache cache.Cache
}

func newAuthFixture(t *testing.T) *authFixture {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}
	r := gin.New()
	rest.NewAuthHandler(db, c, sec, testBags, zap.NewNop()).Register(r.Group("/api/auth"))
	return &authFixture{r: r, db: db, cache: c}
}

func (f *authFixture) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func (f *authFixture) login(name, pass string) (int, map[string]interface{}) {
	return f.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": name, "password": pass})
}

func (f *authFixture) mustLogin(t *testing.T, name string) (string, int64) {
	t.Helper()
	code, body := f.login(name, "pass1234")
	require.Equal(t, http.StatusOK, code, body)
	return body["token"].(string), int64(body["account_id"].(float64))
}

func TestLogin_RegistersThenVerifies(t *testing.T) {
	f := newAuthFixture(t)

	code, first := f.login("alice", "pass1234")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, first["token"])
	id := int64(first["account_id"].(float64))
	assert.Equal(t, float64(testBags.BagID(id)), first["inventory_id"])

	code, second := f.login("alice", "pass1234")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first["account_id"], second["account_id"])
	assert.NotEqual(t, first["token"], second["token"])

	var acc model.Account
	require.NoError(t, f.db.First(&acc, id).Error)
	require.NotNil(t, acc.LastLoginAt)
	assert.NotEmpty(t, acc.LastLoginIP)
}

func TestLogin_Rejections(t *testing.T) {
	f := newAuthFixture(t)
	f.mustLogin(t, "bob")
	f.mustLogin(t, "mallory")
	require.NoError(t, f.db.Model(&model.Account{}).Where("username = ?", "mallory").
		Update("status", model.AccountBanned).Error)

	cases := []struct {
		name, user, pass string
		want             int
	}{
		{"wrong password", "bob", "wrong-pass", http.StatusUnauthorized},
		{"banned", "mallory", "pass1234", http.StatusForbidden},
		{"short name", "b", "pass1234", http.StatusBadRequest},
		{"short password", "newbie", "abc", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.login(tc.user, tc.pass)
			assert.Equal(t, tc.want, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestLogin_ConcurrentRegistrationConflict(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, cache.LoginLockKey("erin"), "1", time.Minute))

	code, _ := f.login("erin", "pass1234")
	assert.Equal(t, http.StatusConflict, code)

	require.NoError(t, f.cache.Del(ctx, cache.LoginLockKey("erin")))
	f.mustLogin(t, "erin")
	held, err := f.cache.Exists(ctx, cache.LoginLockKey("erin"))
	require.NoError(t, err)
	assert.False(t, held, "lock released after registration")
}

func TestLogout_EndsSession(t *testing.T) {
	f := newAuthFixture(t)
	token, _ := f.mustLogin(t, "dave")

	code, _ := f.do(http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRefresh_RotatesToken(t *testing.T) {
	f := newAuthFixture(t)
	token, id := f.mustLogin(t, "frank")

	code, body := f.do(http.MethodPost, "/api/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, code)
	fresh := body["token"].(string)
	require.NotEmpty(t, fresh)

	code, _ = f.do(http.MethodPost, "/api/auth/refresh", token, nil)
	assert.Equal(t, http.StatusUnauthorized, code, "the old token is retired")

	code, me := f.do(http.MethodGet, "/api/auth/me", fresh, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(id), me["account_id"])
}

func TestMe(t *testing.T) {
	f := newAuthFixture(t)
	token, id := f.mustLogin(t, "grace")

	code, me := f.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "grace", me["username"])
	assert.Equal(t, float64(testBags.BagID(id)), me["inventory_id"])
	assert.NotNil(t, me["last_login_at"])

	code, _ = f.do(http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}
