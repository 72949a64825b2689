// Package client is a replica node: it logs in to a gridstash server, holds
// a replica Registry fed by the authority's command stream and forwards
// local requests upstream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	readLimit    = 1 << 20
	pingInterval = 15 * time.Second
)

// Session is what a successful login returns.
type Session struct {
	Token       string `json:"token"`
	AccountID   int64  `json:"account_id"`
	InventoryID int64  `json:"inventory_id"`
}

// Login authenticates against POST /api/auth/login, registering the
// account on first use.
func Login(ctx context.Context, hc *http.Client, baseURL, username, password string) (*Session, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("login: %s: %s", resp.Status, e.Error)
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("login: decode: %w", err)
	}
	return &s, nil
}

// Node is one connected replica.
type Node struct {
	conn    *websocket.Conn
	reg     *inventory.Registry
	welcome protocol.Welcome
	logger  *zap.Logger
	pongs   chan protocol.Pong
}

// Dial opens the websocket, waits for the welcome packet and builds the
// replica registry around it. baseURL is the server's http(s) address.
func Dial(ctx context.Context, baseURL, token string, catalog inventory.Catalog, logger *zap.Logger) (*Node, error) {
	wsURL, err := wsEndpoint(baseURL, token)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	pkt, err := readPacket(ctx, conn)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if pkt.Type != protocol.TypeWelcome {
		conn.CloseNow()
		return nil, fmt.Errorf("dial: expected %s, got %s", protocol.TypeWelcome, pkt.Type)
	}
	var w protocol.Welcome
	if err := pkt.Decode(&w); err != nil {
		conn.CloseNow()
		return nil, err
	}

	n := &Node{
		conn:    conn,
		welcome: w,
		logger:  logger.With(zap.Int64("peer_id", w.PeerID)),
		pongs:   make(chan protocol.Pong, 1),
	}
	n.reg = inventory.NewRegistry(inventory.Options{Role: inventory.RoleReplica, Self: w.PeerID}, catalog, n.logger)
	n.reg.SetAuthorityLink(n)
	n.logger.Info("connected", zap.Int64("inventory_id", w.InventoryID))
	return n, nil
}

func wsEndpoint(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("dial: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// Registry is the local replica.
func (n *Node) Registry() *inventory.Registry { return n.reg }

// PeerID is the id the authority knows this node by.
func (n *Node) PeerID() int64 { return n.welcome.PeerID }

// BagID is the personal inventory provisioned for this account, 0 if none.
func (n *Node) BagID() int64 { return n.welcome.InventoryID }

// SendToAuthority implements inventory.AuthorityLink.
func (n *Node) SendToAuthority(ctx context.Context, pkt *protocol.Packet) error {
	data, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	return n.conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a heartbeat and waits for the matching pong. Run must be
// active for the pong to be delivered.
func (n *Node) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := n.SendToAuthority(ctx, protocol.MustPacket(protocol.TypePing, protocol.Ping{TS: start.UnixMilli()})); err != nil {
		return 0, err
	}
	select {
	case <-n.pongs:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run reads the command stream into the replica and keeps the connection
// alive until ctx ends or the connection drops.
func (n *Node) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return n.readLoop(ctx)
	})
	eg.Go(func() error {
		return n.pingLoop(ctx)
	})
	err := eg.Wait()
	n.conn.Close(websocket.StatusNormalClosure, "bye")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears the connection down without waiting for Run.
func (n *Node) Close() error {
	return n.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (n *Node) readLoop(ctx context.Context) error {
	for {
		pkt, err := readPacket(ctx, n.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		n.handle(pkt)
	}
}

func (n *Node) handle(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypePong:
		var p protocol.Pong
		if err := pkt.Decode(&p); err != nil {
			return
		}
		select {
		case n.pongs <- p:
		default:
		}
	case protocol.TypeError:
		n.logger.Warn("server error", zap.ByteString("payload", pkt.Payload))
	case protocol.TypeWelcome:
	default:
		// Apply failures re-subscribe the affected inventories.
		if err := n.reg.ApplyCommand(pkt); err != nil {
			n.logger.Warn("apply failed", zap.String("type", pkt.Type), zap.Error(err))
		}
	}
}

func (n *Node) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pkt := protocol.MustPacket(protocol.TypePing, protocol.Ping{TS: time.Now().UnixMilli()})
			if err := n.SendToAuthority(ctx, pkt); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func readPacket(ctx context.Context, conn *websocket.Conn) (*protocol.Packet, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var pkt protocol.Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return &pkt, nil
}
