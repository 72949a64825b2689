package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kasuganosora/gridstash/api/rest"
	"github.com/kasuganosora/gridstash/api/sse"
	apows "github.com/kasuganosora/gridstash/api/ws"
	"github.com/kasuganosora/gridstash/audit"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/game/player"
	mw "github.com/kasuganosora/gridstash/middleware"
	"github.com/kasuganosora/gridstash/plugin/hook"
	"github.com/kasuganosora/gridstash/protocol"
	"github.com/kasuganosora/gridstash/resource"
	"github.com/kasuganosora/gridstash/scheduler"
	"github.com/kasuganosora/gridstash/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// AdminKey is the admin key the test server accepts.
const AdminKey = "integration-admin-key"

// defaultWait bounds every receive in the flows.
const defaultWait = 5 * time.Second

// ShopID is the seeded shop; it stocks infinite apples, potions and swords.
const ShopID int64 = 1

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	DB      *gorm.DB
	Cache   cache.Cache
	PubSub  cache.PubSub
	SM      *player.SessionManager
	Reg     *inventory.Registry
	Hooks   *hook.HookCenter
	Audit   *audit.Service
	Catalog *resource.ResourceLoader
	Server  *httptest.Server
	URL     string // http://127.0.0.1:<port>
	WSURL   string // ws://127.0.0.1:<port>/ws
	Sec     config.SecurityConfig
	Inv     config.InventoryConfig
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}
	inv := config.InventoryConfig{
		CurrencyPath: "items/coin",
		BagBase:      1_000_000,
		BagWidth:     6,
		BagHeight:    4,
	}

	// The repository's own catalog.
	catalog := resource.NewLoader("../data", inv.CurrencyPath)
	require.NoError(t, catalog.Load(), "load ../data/Items.json")

	// ---- Inventory authority ----
	sm := player.NewSessionManager(logger)
	hooks := hook.NewHookCenter()
	reg := inventory.NewRegistry(inventory.Options{Role: inventory.RoleAuthority}, catalog, logger)
	reg.SetPeerSender(sm)
	reg.SetPublisher(pubsub)
	world := inventory.NewHookWorld(hooks)
	reg.SetWorld(world)
	reg.OnEvent(world.Forward)
	sseH := sse.NewHandler(pubsub, c, sec, logger)
	reg.OnEvent(sseH.Record)

	require.NoError(t, reg.CreateInventory(ShopID, inventory.Vec2{X: 6, Y: 4}, true))
	for _, path := range []string{"items/apple", "items/potion", "items/sword"} {
		_, err := reg.HandleSpawnRequest(reg.Self(), inventory.SpawnRequest{ItemPath: path, InventoryID: ShopID, Count: 1, Infinite: true})
		require.NoError(t, err)
	}

	auditSvc := audit.New(db, logger, audit.WithBatch(100, 50*time.Millisecond))
	t.Cleanup(func() { _ = auditSvc.Stop(context.Background()) })
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	apows.NewInventoryHandlers(reg, auditSvc, logger).RegisterHandlers(wsRouter)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes (mirrors main.go) ----
	authH := apirest.NewAuthHandler(db, c, sec, inv, logger)
	adminH := apirest.NewAdminHandler(db, sm, reg, inv, auditSvc, sched, logger)

	api := r.Group("/api")
	{
		authH.Register(api.Group("/auth"))

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(nil, logger), apirest.AdminAuth(AdminKey))
		adminH.Register(adminG)
	}

	// ---- WebSocket / SSE ----
	wsH := apows.NewHandler(db, c, sec, inv, sm, reg, hooks, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)
	r.GET("/sse", sseH.ServeSSE)

	// ---- Start server ----
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	return &TestServer{
		DB:      db,
		Cache:   c,
		PubSub:  pubsub,
		SM:      sm,
		Reg:     reg,
		Hooks:   hooks,
		Audit:   auditSvc,
		Catalog: catalog,
		Server:  server,
		URL:     url,
		WSURL:   wsURL,
		Sec:     sec,
		Inv:     inv,
	}
}

// Close shuts down the test server and every live session.
func (ts *TestServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.SM.CloseAll(ctx)
	ts.Server.Close()
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, "Authorization", bearer(token))
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, "Authorization", bearer(token))
}

// Admin sends a request to an /api/admin route with the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	return ts.do(t, method, "/api/admin"+path, body, "X-Admin-Key", AdminKey)
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

func (ts *TestServer) do(t *testing.T, method, path string, body interface{}, header, value string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if value != "" {
		req.Header.Set(header, value)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Login logs in (auto-registers on first call) and returns the token and account ID.
func (ts *TestServer) Login(t *testing.T, username, password string) (token string, accountID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	accountID = int64(result["account_id"].(float64))
	return
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// A background readLoop feeds a channel so receive timeouts never poison
// the connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult // buffered channel from readLoop
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	return wc
}

// Peer is a logged-in, connected account.
type Peer struct {
	Token     string
	AccountID int64
	BagID     int64
	WS        *WSClient
}

// Join logs in, connects and consumes the welcome packet.
func (ts *TestServer) Join(t *testing.T, username string) *Peer {
	t.Helper()
	token, accountID := ts.Login(t, username, username+"-pass")
	ws := ts.ConnectWS(t, token)
	t.Cleanup(ws.Close)
	var w protocol.Welcome
	ws.RecvType(protocol.TypeWelcome, 5*time.Second).Decode(t, &w)
	require.Equal(t, accountID, w.PeerID)
	return &Peer{Token: token, AccountID: accountID, BagID: w.InventoryID, WS: ws}
}

// readLoop continuously reads from the websocket in a dedicated goroutine.
func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a packet to the WebSocket.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	pkt, err := protocol.NewPacket(msgType, payload)
	require.NoError(wc.t, err)
	pkt.Seq = atomic.AddUint64(&wc.seq, 1)
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// Packet is a received packet bound to its test.
type Packet struct {
	protocol.Packet
}

// Decode unmarshals the payload, failing the test on error.
func (p Packet) Decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, p.Packet.Decode(v), "decode %s", p.Type)
}

// RecvAny reads one packet with a timeout, returning an error instead of
// failing the test on timeout or read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (Packet, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return Packet{}, res.err
		}
		var pkt Packet
		if err := json.Unmarshal(res.data, &pkt.Packet); err != nil {
			return Packet{}, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return Packet{}, &timeoutError{}
	}
}

// Recv reads one packet, failing the test on timeout.
func (wc *WSClient) Recv(timeout time.Duration) Packet {
	wc.t.Helper()
	pkt, err := wc.RecvAny(timeout)
	require.NoError(wc.t, err, "WS recv failed")
	return pkt
}

// timeoutError implements net.Error for timeout detection in callers.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads packets until one with the given type arrives.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) Packet {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt.Type == msgType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return Packet{}
}

// ExpectSilence fails if any packet arrives within d.
func (wc *WSClient) ExpectSilence(d time.Duration) {
	wc.t.Helper()
	if pkt, err := wc.RecvAny(d); err == nil {
		wc.t.Fatalf("unexpected packet %q", pkt.Type)
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// UniqueID returns a short unique string suitable for usernames.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
