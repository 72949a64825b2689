package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kasuganosora/gridstash/audit"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/game/player"
	mw "github.com/kasuganosora/gridstash/middleware"
	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
)

// InventoryHandlers is the authority's side of the inventory protocol:
// every request a peer proposes is validated by the registry, and the peer
// gets either the committed command (through its subscriptions) or an
// inv_rejected packet.
type InventoryHandlers struct {
	reg    *inventory.Registry
	audit  *audit.Service
	logger *zap.Logger
}

// NewInventoryHandlers creates the handlers. auditSvc may be nil.
func NewInventoryHandlers(reg *inventory.Registry, auditSvc *audit.Service, logger *zap.Logger) *InventoryHandlers {
	return &InventoryHandlers{reg: reg, audit: auditSvc, logger: logger}
}

// RegisterHandlers wires every inventory packet type into r.
func (h *InventoryHandlers) RegisterHandlers(r *Router) {
	r.On(protocol.TypePing, h.HandlePing)
	r.On(protocol.TypeRequestMove, h.HandleMove)
	r.On(protocol.TypeRequestSpawn, h.HandleSpawn)
	r.On(protocol.TypeRequestDelete, h.HandleDelete)
	r.On(protocol.TypeSubscribe, h.HandleSubscribe)
	r.On(protocol.TypeUnsubscribe, h.HandleUnsubscribe)
}

func (h *InventoryHandlers) HandlePing(_ context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var p protocol.Ping
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	s.Pong(p.TS)
	return nil
}

func (h *InventoryHandlers) HandleMove(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var req inventory.MoveRequest
	if err := decode(raw, &req); err != nil {
		sendError(s, "invalid move request")
		return err
	}
	start := time.Now()
	src := int64(0)
	if it, ok := h.reg.Item(req.ItemID); ok {
		src = it.InventoryID
	}
	cmd, err := h.reg.HandleMoveRequest(s.PeerID(), req)
	h.finish(ctx, s, protocol.TypeRequestMove, start, req, cmd, err, req.ItemID, src, req.TargetInventoryID)
	return nil
}

func (h *InventoryHandlers) HandleSpawn(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var req inventory.SpawnRequest
	if err := decode(raw, &req); err != nil {
		sendError(s, "invalid spawn request")
		return err
	}
	if req.Infinite {
		// Shop stock is provisioned by the server only.
		h.reject(ctx, s, protocol.TypeRequestSpawn, time.Now(), req,
			&inventory.Error{Code: inventory.CodeAuthorityViolation, Message: "peers cannot spawn infinite stock"},
			0, req.InventoryID)
		return nil
	}
	start := time.Now()
	cmd, err := h.reg.HandleSpawnRequest(s.PeerID(), req)
	itemID := int64(0)
	if cmd != nil {
		itemID = cmd.FreshID
	}
	h.finish(ctx, s, protocol.TypeRequestSpawn, start, req, cmd, err, itemID, req.InventoryID)
	return nil
}

func (h *InventoryHandlers) HandleDelete(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var req inventory.DeleteRequest
	if err := decode(raw, &req); err != nil {
		sendError(s, "invalid delete request")
		return err
	}
	start := time.Now()
	invID := int64(0)
	if it, ok := h.reg.Item(req.ItemID); ok {
		invID = it.InventoryID
	}
	cmd, err := h.reg.HandleDeleteRequest(s.PeerID(), req)
	h.finish(ctx, s, protocol.TypeRequestDelete, start, req, cmd, err, req.ItemID, invID)
	return nil
}

// HandleSubscribe answers with an inv_subscribe_callback snapshot; the
// registry sends it, so it is ordered with the command stream.
func (h *InventoryHandlers) HandleSubscribe(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var req inventory.SubscribeRequest
	if err := decode(raw, &req); err != nil {
		sendError(s, "invalid subscribe request")
		return err
	}
	_, err := h.reg.HandleSubscribe(s.PeerID(), req.InventoryID)
	if err != nil {
		h.reject(ctx, s, protocol.TypeSubscribe, time.Now(), req, err, 0, req.InventoryID)
	}
	return nil
}

func (h *InventoryHandlers) HandleUnsubscribe(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var req inventory.SubscribeRequest
	if err := decode(raw, &req); err != nil {
		sendError(s, "invalid unsubscribe request")
		return err
	}
	if err := h.reg.HandleUnsubscribe(s.PeerID(), req.InventoryID); err != nil {
		h.reject(ctx, s, protocol.TypeUnsubscribe, time.Now(), req, err, 0, req.InventoryID)
	}
	return nil
}

// finish audits the outcome of a mutating request and tells the requester
// when it was rejected. Committed commands reach the requester through its
// subscriptions like every other subscriber.
func (h *InventoryHandlers) finish(ctx context.Context, s *player.PlayerSession, request string, start time.Time,
	req, cmd interface{}, err error, itemID int64, invIDs ...int64) {
	if err != nil {
		h.reject(ctx, s, request, start, req, err, itemID, invIDs...)
		return
	}
	h.record(ctx, s, request, start, req, cmd, nil, itemID, invIDs...)
}

func (h *InventoryHandlers) reject(ctx context.Context, s *player.PlayerSession, request string, start time.Time,
	req interface{}, err error, itemID int64, invIDs ...int64) {
	s.Send(protocol.MustPacket(protocol.TypeRejected, inventory.RejectionFor(request, err)))
	h.logger.Debug("request rejected",
		zap.String("type", request),
		zap.Int64("account_id", s.AccountID),
		zap.String("trace_id", mw.TraceIDFrom(ctx)),
		zap.String("code", string(inventory.GetCode(err))),
		zap.Error(err))
	h.record(ctx, s, request, start, req, nil, err, itemID, invIDs...)
}

func (h *InventoryHandlers) record(ctx context.Context, s *player.PlayerSession, action string, start time.Time,
	req, resp interface{}, err error, itemID int64, invIDs ...int64) {
	if h.audit == nil {
		return
	}
	accountID := s.AccountID
	entry := audit.AuditEntry{
		TraceID:    mw.TraceIDFrom(ctx),
		AccountID:  &accountID,
		Username:   s.Username,
		Action:     action,
		ItemID:     itemID,
		Request:    req,
		Response:   resp,
		IP:         s.IP,
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	// The first known inventory is the one the request acted on.
	for _, id := range invIDs {
		if id != 0 {
			entry.InventoryID = id
			break
		}
	}
	if err != nil {
		entry.ErrorCode = string(inventory.GetCode(err))
		entry.Error = err.Error()
	}
	h.audit.Log(entry)
}

func decode(raw json.RawMessage, v interface{}) error {
	pkt := protocol.Packet{Type: "payload", Payload: raw}
	return pkt.Decode(v)
}

type errorPayload struct {
	Message string `json:"message"`
}

// sendError replies with a generic error packet for malformed input.
func sendError(s *player.PlayerSession, msg string) {
	s.Send(protocol.MustPacket(protocol.TypeError, errorPayload{Message: msg}))
}
