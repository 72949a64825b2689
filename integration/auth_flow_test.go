package integration

import (
	"net/http"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialStatus dials the websocket endpoint with token and returns the HTTP
// status of a refused upgrade, or 101 on success.
func dialStatus(t *testing.T, ts *TestServer, token string) int {
	t.Helper()
	url := ts.WSURL
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		return http.StatusSwitchingProtocols
	}
	require.NotNil(t, resp, "dial failed before the handshake: %v", err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestSessionLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	name := UniqueID("auth")

	tokenA, id := ts.Login(t, name, "testpass1234")
	tokenB, again := ts.Login(t, name, "testpass1234")
	assert.Equal(t, id, again, "second login reuses the account")
	assert.NotEqual(t, tokenA, tokenB)

	resp := ts.Get(t, "/api/auth/me", tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me map[string]interface{}
	ReadJSON(t, resp, &me)
	assert.Equal(t, name, me["username"])
	assert.Equal(t, float64(ts.Inv.BagID(id)), me["inventory_id"])

	resp = ts.PostJSON(t, "/api/auth/refresh", nil, tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed map[string]string
	ReadJSON(t, resp, &refreshed)
	tokenC := refreshed["token"]

	resp = ts.PostJSON(t, "/api/auth/logout", nil, tokenB)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	for _, tc := range []struct {
		name, token string
		want        int
	}{
		{"refreshed token", tokenC, http.StatusSwitchingProtocols},
		{"token retired by refresh", tokenA, http.StatusUnauthorized},
		{"logged out token", tokenB, http.StatusUnauthorized},
		{"garbage token", "invalid-token-xxx", http.StatusUnauthorized},
		{"no token", "", http.StatusUnauthorized},
	} {
		assert.Equal(t, tc.want, dialStatus(t, ts, tc.token), tc.name)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	name := UniqueID("wrongpw")
	ts.Login(t, name, "correctpass")
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{"username": name, "password": "wrongpassword"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestBannedAccountIsKickedAndRefused(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	p := ts.Join(t, UniqueID("ban"))
	resp := ts.Admin(t, http.MethodPost, "/accounts/"+itoa(p.AccountID)+"/ban", map[string]bool{"ban": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The server closes the live connection.
	for {
		if _, err := p.WS.RecvAny(defaultWait); err != nil {
			break
		}
	}
	assert.Equal(t, http.StatusForbidden, dialStatus(t, ts, p.Token))
}

func TestHealthEndpoint(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	resp := ts.Get(t, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	assert.Equal(t, "ok", result["status"])
}
