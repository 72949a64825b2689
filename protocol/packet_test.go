package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPacket_NilPayload(t *testing.T) {
	pkt, err := NewPacket(TypePing, nil)
	require.NoError(t, err)
	assert.Equal(t, TypePing, pkt.Type)
	assert.Empty(t, pkt.Payload)

	b, err := json.Marshal(pkt)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "payload")
}

func TestNewPacket_Decode(t *testing.T) {
	pkt, err := NewPacket(TypeWelcome, Welcome{PeerID: 7, InventoryID: 1007})
	require.NoError(t, err)

	var w Welcome
	require.NoError(t, pkt.Decode(&w))
	assert.Equal(t, int64(7), w.PeerID)
	assert.Equal(t, int64(1007), w.InventoryID)
}

func TestNewPacket_Unmarshalable(t *testing.T) {
	_, err := NewPacket("x", map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
	assert.Panics(t, func() { MustPacket("x", func() {}) })
}

func TestDecode_Errors(t *testing.T) {
	var w Welcome
	assert.Error(t, (&Packet{Type: TypeWelcome}).Decode(&w), "empty payload")
	assert.Error(t, (&Packet{Type: TypeWelcome, Payload: json.RawMessage(`"nope"`)}).Decode(&w))
}
