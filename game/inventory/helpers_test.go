package inventory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/kasuganosora/gridstash/protocol"
	"github.com/kasuganosora/gridstash/resource"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

const (
	pathCoin  = "items/coin"
	pathGem   = "items/gem"
	pathApple = "items/apple"
	pathSword = "items/sword"
	pathCrate = "items/crate"
	pathRelic = "items/relic"
)

// testCatalog holds a small fixed set of definitions.
func testCatalog(t testing.TB) *resource.ResourceLoader {
	t.Helper()
	cat := resource.NewLoader("", "")
	require.NoError(t, cat.Register(
		&resource.ItemDefinition{ID: 1, Path: pathCoin, Name: "Coin", Width: 1, Height: 1, StackSize: 100, Value: 1, Currency: true},
		&resource.ItemDefinition{ID: 2, Path: pathGem, Name: "Gem", Width: 1, Height: 1, StackSize: 10, Value: 5},
		&resource.ItemDefinition{ID: 3, Path: pathApple, Name: "Apple", Width: 1, Height: 1, StackSize: 10, Value: 5, Pickup: true},
		&resource.ItemDefinition{ID: 4, Path: pathSword, Name: "Sword", Width: 1, Height: 3, StackSize: 1, Value: 40, Equip: true, Pickup: true},
		&resource.ItemDefinition{ID: 5, Path: pathCrate, Name: "Crate", Width: 2, Height: 2, StackSize: 1, Value: 2},
		&resource.ItemDefinition{ID: 6, Path: pathRelic, Name: "Relic", Width: 1, Height: 1, StackSize: 1, Value: 500},
	))
	return cat
}

func def(t testing.TB, cat Catalog, path string) *resource.ItemDefinition {
	t.Helper()
	d, ok := cat.Lookup(path)
	require.True(t, ok, path)
	return d
}

func newAuthority(t testing.TB, policy IDPolicy) *Registry {
	t.Helper()
	return NewRegistry(Options{Role: RoleAuthority, IDPolicy: policy}, testCatalog(t), zap.NewNop())
}

// put inserts an item directly, bypassing validation, for arranging state.
func put(t testing.TB, r *Registry, invID, itemID int64, path string, count int, pos Vec2) *ItemInstance {
	t.Helper()
	r.lock()
	defer r.unlock()
	inv, err := r.inventory(invID)
	require.NoError(t, err)
	it := &ItemInstance{ID: itemID, Def: def(t, r.catalog, path), Count: count, Position: pos}
	inv.addItem(it)
	r.indexItem(it)
	return it
}

func putInfinite(t testing.TB, r *Registry, invID, itemID int64, path string, pos Vec2) *ItemInstance {
	it := put(t, r, invID, itemID, path, 1, pos)
	it.Infinite = true
	return it
}

// ---- recording transport ----

type sentPacket struct {
	peer PeerID
	pkt  *protocol.Packet
}

type recorder struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (rec *recorder) SendToPeer(peer PeerID, pkt *protocol.Packet) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.sent = append(rec.sent, sentPacket{peer, pkt})
}

func (rec *recorder) types(peer PeerID) []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []string
	for _, s := range rec.sent {
		if s.peer == peer {
			out = append(out, s.pkt.Type)
		}
	}
	return out
}

func (rec *recorder) peers(msgType string) []PeerID {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []PeerID
	for _, s := range rec.sent {
		if s.pkt.Type == msgType {
			out = append(out, s.peer)
		}
	}
	return out
}

type linkRecorder struct {
	sent []*protocol.Packet
}

func (l *linkRecorder) SendToAuthority(_ context.Context, pkt *protocol.Packet) error {
	l.sent = append(l.sent, pkt)
	return nil
}

type busRecorder struct {
	mu       sync.Mutex
	channels []string
	events   []Event
}

func (b *busRecorder) Publish(_ context.Context, channel, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ev Event
	if err := json.Unmarshal([]byte(message), &ev); err != nil {
		return err
	}
	b.channels = append(b.channels, channel)
	b.events = append(b.events, ev)
	return nil
}

// ---- in-memory network ----

// testNet connects one authority to replicas. Commands reach replicas
// synchronously; requests queue until flush, like packets on a socket.
type testNet struct {
	t        require.TestingT
	auth     *Registry
	replicas map[PeerID]*Registry
	queue    []sentPacket
	rejected []Rejection
}

func newTestNet(t require.TestingT, auth *Registry) *testNet {
	n := &testNet{t: t, auth: auth, replicas: make(map[PeerID]*Registry)}
	auth.SetPeerSender(n)
	return n
}

func (n *testNet) addReplica(peer PeerID) *Registry {
	rep := NewRegistry(Options{Role: RoleReplica, Self: peer}, n.auth.catalog, zap.NewNop())
	rep.SetAuthorityLink(netLink{n, peer})
	n.replicas[peer] = rep
	return rep
}

func (n *testNet) SendToPeer(peer PeerID, pkt *protocol.Packet) {
	if rep, ok := n.replicas[peer]; ok {
		_ = rep.ApplyCommand(pkt)
	}
}

type netLink struct {
	n    *testNet
	peer PeerID
}

func (l netLink) SendToAuthority(_ context.Context, pkt *protocol.Packet) error {
	l.n.queue = append(l.n.queue, sentPacket{l.peer, pkt})
	return nil
}

// flush hands queued requests to the authority in arrival order.
func (n *testNet) flush() {
	for len(n.queue) > 0 {
		q := n.queue[0]
		n.queue = n.queue[1:]
		var err error
		switch q.pkt.Type {
		case protocol.TypeRequestMove:
			var req MoveRequest
			require.NoError(n.t, q.pkt.Decode(&req))
			_, err = n.auth.HandleMoveRequest(q.peer, req)
		case protocol.TypeRequestSpawn:
			var req SpawnRequest
			require.NoError(n.t, q.pkt.Decode(&req))
			_, err = n.auth.HandleSpawnRequest(q.peer, req)
		case protocol.TypeRequestDelete:
			var req DeleteRequest
			require.NoError(n.t, q.pkt.Decode(&req))
			_, err = n.auth.HandleDeleteRequest(q.peer, req)
		case protocol.TypeSubscribe:
			var req SubscribeRequest
			require.NoError(n.t, q.pkt.Decode(&req))
			_, err = n.auth.HandleSubscribe(q.peer, req.InventoryID)
		case protocol.TypeUnsubscribe:
			var req SubscribeRequest
			require.NoError(n.t, q.pkt.Decode(&req))
			err = n.auth.HandleUnsubscribe(q.peer, req.InventoryID)
		}
		if err != nil {
			rej := RejectionFor(q.pkt.Type, err)
			n.rejected = append(n.rejected, rej)
			n.SendToPeer(q.peer, protocol.MustPacket(protocol.TypeRejected, rej))
		}
	}
}
