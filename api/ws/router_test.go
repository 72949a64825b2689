package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/game/player"
	mw "github.com/kasuganosora/gridstash/middleware"
	"github.com/kasuganosora/gridstash/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

// newSession builds a session without a connection; packets sent to it
// stay queued in SendChan.
func newSession(accountID int64) *player.PlayerSession {
	return &player.PlayerSession{
		AccountID: accountID,
		SendChan:  make(chan []byte, 256),
		Done:      make(chan struct{}),
	}
}

func makePacket(t *testing.T, seq uint64, msgType string, payload interface{}) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(protocol.Packet{Seq: seq, Type: msgType, Payload: p})
	require.NoError(t, err)
	return b
}

// countingRouter registers "count" and reports how often it ran.
func countingRouter() (*Router, *int) {
	r := NewRouter(nop())
	n := new(int)
	r.On("count", func(context.Context, *player.PlayerSession, json.RawMessage) error {
		*n++
		return nil
	})
	return r, n
}

func TestRouter_PassesPayloadAndTrace(t *testing.T) {
	r := NewRouter(nop())
	var got inventory.SubscribeRequest
	var traces []string
	r.On(protocol.TypeSubscribe, func(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
		traces = append(traces, mw.TraceIDFrom(ctx))
		return json.Unmarshal(raw, &got)
	})

	s := newSession(1)
	r.Dispatch(s, makePacket(t, 0, protocol.TypeSubscribe, inventory.SubscribeRequest{InventoryID: 9}))
	r.Dispatch(s, makePacket(t, 0, protocol.TypeSubscribe, inventory.SubscribeRequest{InventoryID: 9}))

	assert.Equal(t, int64(9), got.InventoryID)
	require.Len(t, traces, 2)
	assert.NotEmpty(t, traces[0])
	assert.NotEqual(t, traces[0], traces[1], "each packet gets its own trace id")
	assert.Empty(t, drain(t, s))
}

func TestRouter_AnswersBadFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte("not json")},
		{"missing type", []byte(`{"seq":1}`)},
		{"unknown type", []byte(`{"type":"trade_offer"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, n := countingRouter()
			s := newSession(1)
			r.Dispatch(s, tc.raw)
			assert.Zero(t, *n)
			assert.Equal(t, []string{protocol.TypeError}, types(drain(t, s)))
			assert.Zero(t, s.LastSeq)
		})
	}
}

func TestRouter_SequenceNumbers(t *testing.T) {
	r, n := countingRouter()
	s := newSession(1)

	for _, seq := range []uint64{5, 5, 3, 6, 0, 0, 100, 99} {
		r.Dispatch(s, makePacket(t, seq, "count", nil))
	}
	// 5, 6, the two zeros and 100 run; the rest are stale.
	assert.Equal(t, 5, *n)
	assert.Equal(t, uint64(100), s.LastSeq)
	assert.Empty(t, drain(t, s), "stale frames are dropped without a reply")
}

func TestRouter_HandlerErrorIsContained(t *testing.T) {
	r := NewRouter(nop())
	r.On("fail", func(context.Context, *player.PlayerSession, json.RawMessage) error {
		return assert.AnError
	})
	s := newSession(1)
	assert.NotPanics(t, func() { r.Dispatch(s, makePacket(t, 1, "fail", nil)) })
	assert.Equal(t, uint64(1), s.LastSeq)
}

func TestRouter_DuplicateRegistrationPanics(t *testing.T) {
	r, _ := countingRouter()
	assert.Panics(t, func() {
		r.On("count", func(context.Context, *player.PlayerSession, json.RawMessage) error { return nil })
	})
}
