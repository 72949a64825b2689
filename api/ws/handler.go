package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/game/player"
	mw "github.com/kasuganosora/gridstash/middleware"
	"github.com/kasuganosora/gridstash/model"
	"github.com/kasuganosora/gridstash/plugin/hook"
	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Handler is the Gin handler for GET /ws. Every accepted connection is one
// peer of the inventory protocol, identified by its account id.
type Handler struct {
	db       *gorm.DB
	cache    cache.Cache
	sec      config.SecurityConfig
	inv      config.InventoryConfig
	sm       *player.SessionManager
	reg      *inventory.Registry
	hooks    *hook.HookCenter
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
	// nil when packet throttling is off
	packets *mw.KeyedLimiter
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	db *gorm.DB,
	c cache.Cache,
	sec config.SecurityConfig,
	inv config.InventoryConfig,
	sm *player.SessionManager,
	reg *inventory.Registry,
	hooks *hook.HookCenter,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		db:     db,
		cache:  c,
		sec:    sec,
		inv:    inv,
		sm:     sm,
		reg:    reg,
		hooks:  hooks,
		router: router,
		logger: logger,
	}
	if sec.WSPacketRPS > 0 {
		h.packets = mw.NewKeyedLimiter(rate.Limit(sec.WSPacketRPS), max(sec.WSPacketBurst, 1))
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	claims, err := mw.Authenticate(c.Request.Context(), h.sec, h.cache, mw.TokenFrom(c))
	if err != nil {
		mw.AbortUnauthorized(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	var acc model.Account
	if err := h.db.WithContext(ctx).Select("id", "username", "status").First(&acc, claims.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown account"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	if acc.Status == model.AccountBanned {
		c.JSON(http.StatusForbidden, gin.H{"error": "account banned"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := player.NewPlayerSession(acc.ID, acc.Username, conn, h.logger)
	sess.IP = c.ClientIP()
	if err := h.connect(sess); err != nil {
		h.logger.Error("peer setup failed",
			zap.Int64("account_id", sess.AccountID),
			zap.Error(err))
		sess.Send(protocol.MustPacket(protocol.TypeError, errorPayload{Message: "inventory unavailable"}))
		h.handleDisconnect(sess)
		return
	}

	// Blocks until the connection closes.
	h.readPump(sess)
}

// connect registers s as the live session of its peer, provisions the
// personal bag and greets the client.
func (h *Handler) connect(s *player.PlayerSession) error {
	if old := h.sm.Register(s); old != nil {
		// The displaced connection's subscriptions belong to the same peer
		// id; the new client has none of those snapshots.
		h.reg.DropPeer(s.PeerID())
	}

	if bag := h.inv.BagID(s.AccountID); bag != 0 {
		size := inventory.Vec2{X: h.inv.BagWidth, Y: h.inv.BagHeight}
		if err := h.reg.EnsureInventory(bag, size, false); err != nil {
			return err
		}
		s.BagID = bag
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.cache.SAdd(ctx, cache.OnlinePeersKey, strconv.FormatInt(s.AccountID, 10)); err != nil {
		h.logger.Warn("online set update failed", zap.Error(err))
	}
	if h.hooks != nil {
		_, _ = h.hooks.Trigger(ctx, hook.OnPeerConnect, s.AccountID)
	}

	s.Send(protocol.MustPacket(protocol.TypeWelcome, protocol.Welcome{
		PeerID:      s.PeerID(),
		InventoryID: s.BagID,
	}))
	h.logger.Info("peer connected",
		zap.Int64("account_id", s.AccountID),
		zap.Int64("bag_id", s.BagID),
		zap.String("ip", s.IP))
	return nil
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *player.PlayerSession) {
	defer h.handleDisconnect(s)

	s.ExtendReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.ExtendReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("account_id", s.AccountID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.ExtendReadDeadline()
		if h.packets != nil && !h.packets.Allow(strconv.FormatInt(s.AccountID, 10)) {
			s.Send(protocol.MustPacket(protocol.TypeError, errorPayload{Message: "rate limit exceeded"}))
			continue
		}
		h.router.Dispatch(s, raw)
	}
}

// handleDisconnect cleans up the session after the connection closes.
// A session displaced by a newer login leaves the peer's state alone.
func (h *Handler) handleDisconnect(s *player.PlayerSession) {
	s.Close()
	if !h.sm.Unregister(s) {
		return
	}

	dropped := h.reg.DropPeer(s.PeerID())
	if h.packets != nil {
		h.packets.Forget(strconv.FormatInt(s.AccountID, 10))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.cache.SRem(ctx, cache.OnlinePeersKey, strconv.FormatInt(s.AccountID, 10))
	if h.hooks != nil {
		_, _ = h.hooks.Trigger(ctx, hook.OnPeerDisconnect, s.AccountID)
	}

	h.logger.Info("peer disconnected",
		zap.Int64("account_id", s.AccountID),
		zap.Int("subscriptions", dropped),
		zap.Duration("online", time.Since(s.ConnectedAt)))
}
