package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	"github.com/kasuganosora/gridstash/game/inventory"
	mw "github.com/kasuganosora/gridstash/middleware"
	"go.uber.org/zap"
)

// maxStreams caps how many inventories one SSE client may watch.
const maxStreams = 16

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	sec       config.SecurityConfig
	c         cache.Cache
	logger    *zap.Logger
	keepalive time.Duration
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, sec: sec, logger: logger, keepalive: 30 * time.Second}
}

// Record appends a committed event to its inventory's history so late SSE
// clients can catch up. Register it with Registry.OnEvent.
func (h *Handler) Record(ev inventory.Event) {
	if ev.InventoryID == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := cache.HistoryKey(ev.InventoryID)
	if err := h.c.PushCapped(ctx, key, string(data), cache.HistoryLen); err != nil {
		h.logger.Warn("event history push failed", zap.Int64("inventory_id", ev.InventoryID), zap.Error(err))
	}
}

// ServeSSE handles GET /sse?token=<jwt>&inventory=<id>[,<id>].
// It replays each inventory's recent history as "history" events, then
// streams committed changes as "inventory" events.
func (h *Handler) ServeSSE(c *gin.Context) {
	if _, err := mw.Authenticate(c.Request.Context(), h.sec, h.c, mw.TokenFrom(c)); err != nil {
		mw.AbortUnauthorized(c, err)
		return
	}

	ids, err := parseInventories(c.Query("inventory"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	channels := make([]string, len(ids))
	for i, id := range ids {
		channels[i] = inventory.Channel(id)
	}

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	// Subscribe before reading history so nothing committed in between is lost.
	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, channels...)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	// Set SSE headers.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	for _, id := range ids {
		h.replay(subCtx, c, id)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: inventory\ndata: %s\n\n", msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// replay writes the stored history of one inventory, oldest first.
func (h *Handler) replay(ctx context.Context, c *gin.Context, id int64) {
	entries, err := h.c.LRange(ctx, cache.HistoryKey(id), 0, cache.HistoryLen-1)
	if err != nil {
		h.logger.Warn("event history read failed", zap.Int64("inventory_id", id), zap.Error(err))
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		fmt.Fprintf(c.Writer, "event: history\ndata: %s\n\n", entries[i])
	}
}

func parseInventories(raw string) ([]int64, error) {
	if raw == "" {
		return nil, fmt.Errorf("inventory is required")
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxStreams {
		return nil, fmt.Errorf("at most %d inventories per stream", maxStreams)
	}
	seen := make(map[int64]bool, len(parts))
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid inventory id %q", p)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
