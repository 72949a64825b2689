// Package protocol defines the WebSocket message envelope shared by the
// authority server and replica clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Packet types.
const (
	TypeRequestMove   = "inv_request_move"
	TypeMove          = "inv_move"
	TypeRequestSpawn  = "inv_request_spawn"
	TypeSpawn         = "inv_spawn"
	TypeRequestDelete = "inv_request_delete"
	TypeDelete        = "inv_delete"
	TypeSubscribe     = "inv_subscribe"
	TypeSubscribed    = "inv_subscribe_callback"
	TypeUnsubscribe   = "inv_unsubscribe"
	TypeDestroyed     = "inv_destroyed"
	TypeRejected      = "inv_rejected"
	TypeWelcome       = "welcome"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

// NewPacket marshals payload into a Packet of the given type.
func NewPacket(msgType string, payload interface{}) (*Packet, error) {
	if payload == nil {
		return &Packet{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msgType, err)
	}
	return &Packet{Type: msgType, Payload: raw}, nil
}

// MustPacket is NewPacket for payloads that cannot fail to marshal
// (plain structs of numbers, strings and slices).
func MustPacket(msgType string, payload interface{}) *Packet {
	pkt, err := NewPacket(msgType, payload)
	if err != nil {
		panic(err)
	}
	return pkt
}

// Decode unmarshals the packet payload into v.
func (p *Packet) Decode(v interface{}) error {
	if len(p.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", p.Type)
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", p.Type, err)
	}
	return nil
}

// Welcome is sent by the authority once a peer connection is registered.
type Welcome struct {
	PeerID      int64 `json:"peer_id"`
	InventoryID int64 `json:"inventory_id,omitempty"`
}

// Ping / Pong carry client and server timestamps in milliseconds.
type Ping struct {
	TS int64 `json:"ts"`
}

type Pong struct {
	ClientTS int64 `json:"client_ts"`
	ServerTS int64 `json:"server_ts"`
}
