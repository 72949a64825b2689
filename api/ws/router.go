package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/gridstash/game/player"
	mw "github.com/kasuganosora/gridstash/middleware"
	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
)

// HandlerFunc processes the payload of one inbound packet. The context
// carries the packet's trace id (see middleware.TraceIDFrom).
type HandlerFunc func(ctx context.Context, session *player.PlayerSession, payload json.RawMessage) error

// Router maps packet types to handlers. A session's packets are dispatched
// on its read goroutine, so one peer's requests reach the registry in the
// order it sent them.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{handlers: make(map[string]HandlerFunc), logger: logger}
}

// On registers fn for msgType. Registering a type twice is a wiring bug
// and panics.
func (r *Router) On(msgType string, fn HandlerFunc) {
	if _, dup := r.handlers[msgType]; dup {
		panic(fmt.Sprintf("ws: handler for %q registered twice", msgType))
	}
	r.handlers[msgType] = fn
}

// Dispatch decodes one frame and runs its handler. Undecodable frames and
// unknown types are answered with an error packet. Frames whose non-zero
// seq does not exceed the last one seen are dropped silently.
func (r *Router) Dispatch(s *player.PlayerSession, raw []byte) {
	var pkt protocol.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil || pkt.Type == "" {
		r.logger.Warn("malformed packet", zap.Int64("account_id", s.AccountID), zap.Error(err))
		sendError(s, "malformed packet")
		return
	}
	if !advanceSeq(s, pkt.Seq) {
		r.logger.Warn("stale packet dropped",
			zap.Int64("account_id", s.AccountID),
			zap.String("type", pkt.Type),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", s.LastSeq))
		return
	}
	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unknown packet type", zap.String("type", pkt.Type), zap.Int64("account_id", s.AccountID))
		sendError(s, "unknown packet type "+pkt.Type)
		return
	}

	traceID := uuid.NewString()
	start := time.Now()
	if err := fn(mw.WithTraceID(context.Background(), traceID), s, pkt.Payload); err != nil {
		r.logger.Warn("handler failed",
			zap.String("type", pkt.Type),
			zap.Int64("account_id", s.AccountID),
			zap.String("trace_id", traceID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}

// advanceSeq enforces strictly increasing sequence numbers. Seq 0 opts out.
func advanceSeq(s *player.PlayerSession, seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq <= s.LastSeq {
		return false
	}
	s.LastSeq = seq
	return true
}
