package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/model"
	"github.com/kasuganosora/gridstash/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// subscribe sends inv_subscribe and returns the snapshot.
func subscribe(t *testing.T, p *Peer, invID int64) inventory.InventoryDoc {
	t.Helper()
	p.WS.Send(protocol.TypeSubscribe, inventory.SubscribeRequest{InventoryID: invID})
	var doc inventory.InventoryDoc
	p.WS.RecvType(protocol.TypeSubscribed, defaultWait).Decode(t, &doc)
	require.Equal(t, invID, doc.ID)
	return doc
}

func stockOf(t *testing.T, shop inventory.InventoryDoc, path string) inventory.ItemDoc {
	t.Helper()
	for _, it := range shop.Items {
		if it.ItemDataPath == path {
			require.True(t, it.Infinite)
			return it
		}
	}
	t.Fatalf("shop has no %s", path)
	return inventory.ItemDoc{}
}

func TestShopPurchaseAndSale(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	alice := ts.Join(t, UniqueID("buyer"))

	shop := subscribe(t, alice, ShopID)
	subscribe(t, alice, alice.BagID)
	apple := stockOf(t, shop, "items/apple")

	// Fund the bag from the admin API; the subscriber sees the spawn.
	resp := ts.Admin(t, http.MethodPost, "/inventories/"+itoa(alice.BagID)+"/spawn",
		map[string]interface{}{"item_path": "items/coin", "count": 50})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	alice.WS.RecvType(protocol.TypeSpawn, defaultWait)

	// Buy two apples at 5 each.
	alice.WS.Send(protocol.TypeRequestMove, inventory.MoveRequest{
		ItemID: apple.InstanceID, TargetInventoryID: alice.BagID, Position: inventory.Vec2{X: 2, Y: 0}, Count: 2,
	})
	var buy inventory.MoveCommand
	alice.WS.RecvType(protocol.TypeMove, defaultWait).Decode(t, &buy)
	assert.NotZero(t, buy.FreeID, "a purchase mints a fresh instance")
	alice.WS.ExpectSilence(100 * time.Millisecond)

	coins, err := ts.Reg.CoinCount(alice.BagID)
	require.NoError(t, err)
	assert.Equal(t, 40, coins)
	bought, ok := ts.Reg.GetItemAtPosition(alice.BagID, inventory.Vec2{X: 2, Y: 0})
	require.True(t, ok)
	assert.Equal(t, 2, bought.Count)
	assert.False(t, bought.Infinite)

	// Sell them back.
	alice.WS.Send(protocol.TypeRequestMove, inventory.MoveRequest{
		ItemID: bought.ID, TargetInventoryID: ShopID, Position: inventory.Vec2{X: 5, Y: 3}, Count: 2,
	})
	alice.WS.RecvType(protocol.TypeMove, defaultWait)
	coins, err = ts.Reg.CoinCount(alice.BagID)
	require.NoError(t, err)
	assert.Equal(t, 50, coins)
	_, ok = ts.Reg.Item(bought.ID)
	assert.False(t, ok, "sold items leave the game")

	// The second sword is unaffordable.
	sword := stockOf(t, shop, "items/sword")
	alice.WS.Send(protocol.TypeRequestMove, inventory.MoveRequest{
		ItemID: sword.InstanceID, TargetInventoryID: alice.BagID, Position: inventory.Vec2{X: 5, Y: 0}, Count: 1,
	})
	alice.WS.Send(protocol.TypeRequestMove, inventory.MoveRequest{
		ItemID: sword.InstanceID, TargetInventoryID: alice.BagID, Position: inventory.Vec2{X: 4, Y: 0}, Count: 1,
	})
	alice.WS.RecvType(protocol.TypeMove, defaultWait)
	var rej inventory.Rejection
	alice.WS.RecvType(protocol.TypeRejected, defaultWait).Decode(t, &rej)
	assert.Equal(t, inventory.CodeInsufficientQuantity, rej.Code, "10 coins left after the first sword")
	require.NoError(t, ts.Reg.CheckConsistency())
}

func TestCrossPeerMoveReachesBothSides(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	alice := ts.Join(t, UniqueID("alice"))
	bob := ts.Join(t, UniqueID("bob"))
	subscribe(t, alice, alice.BagID)
	subscribe(t, bob, bob.BagID)

	alice.WS.Send(protocol.TypeRequestSpawn, inventory.SpawnRequest{ItemPath: "items/potion", InventoryID: alice.BagID, Count: 3})
	var spawn inventory.SpawnCommand
	alice.WS.RecvType(protocol.TypeSpawn, defaultWait).Decode(t, &spawn)
	bob.WS.ExpectSilence(100 * time.Millisecond)

	// Hand one potion over.
	alice.WS.Send(protocol.TypeRequestMove, inventory.MoveRequest{
		ItemID: spawn.FreshID, TargetInventoryID: bob.BagID, Position: inventory.Vec2{X: 0, Y: 0}, Count: 1,
	})
	for _, p := range []*Peer{alice, bob} {
		assert.Equal(t, protocol.TypeSubscribed, p.WS.Recv(defaultWait).Type, "snapshot of the other bag first")
		var mv inventory.MoveCommand
		p.WS.RecvType(protocol.TypeMove, defaultWait).Decode(t, &mv)
		assert.Equal(t, bob.BagID, mv.TargetInventoryID)
		assert.NotZero(t, mv.FreeID)
	}

	left, _ := ts.Reg.Item(spawn.FreshID)
	assert.Equal(t, 2, left.Count)
	given, ok := ts.Reg.GetItemAtPosition(bob.BagID, inventory.Vec2{})
	require.True(t, ok)
	assert.Equal(t, 1, given.Count)
	assert.ElementsMatch(t, []int64{alice.AccountID, bob.AccountID}, ts.Reg.Subscribers(bob.BagID))
}

func TestRejectionIsAudited(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	alice := ts.Join(t, UniqueID("audit"))

	alice.WS.Send(protocol.TypeRequestDelete, inventory.DeleteRequest{ItemID: 987654})
	var rej inventory.Rejection
	alice.WS.RecvType(protocol.TypeRejected, defaultWait).Decode(t, &rej)
	assert.Equal(t, protocol.TypeRequestDelete, rej.Request)
	assert.Equal(t, inventory.CodeNotFound, rej.Code)

	require.Eventually(t, func() bool {
		resp := ts.Admin(t, http.MethodGet, "/audit?account="+itoa(alice.AccountID), nil)
		var out struct {
			Entries []model.AuditLog `json:"entries"`
		}
		ReadJSON(t, resp, &out)
		return len(out.Entries) == 1 && out.Entries[0].ErrorCode == string(inventory.CodeNotFound)
	}, defaultWait, 50*time.Millisecond)
}

func TestSSEStreamsBagEvents(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	alice := ts.Join(t, UniqueID("sse"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse?token="+alice.Token+"&inventory="+itoa(alice.BagID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok && data != "{}" {
				events <- data
			}
		}
	}()

	alice.WS.Send(protocol.TypeRequestSpawn, inventory.SpawnRequest{ItemPath: "items/gem", InventoryID: alice.BagID, Count: 4})
	select {
	case data := <-events:
		var ev inventory.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		assert.Equal(t, inventory.EventItemSpawned, ev.Type)
		assert.Equal(t, alice.BagID, ev.InventoryID)
		assert.Equal(t, 4, ev.Count)
	case <-time.After(defaultWait):
		t.Fatal("no sse event")
	}
}

func TestDisconnectReleasesPeer(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	alice := ts.Join(t, UniqueID("bye"))
	subscribe(t, alice, ShopID)

	resp := ts.Admin(t, http.MethodGet, "/peers", nil)
	var peers map[string]interface{}
	ReadJSON(t, resp, &peers)
	assert.Equal(t, float64(1), peers["count"])

	alice.WS.Close()
	require.Eventually(t, func() bool {
		members, err := ts.Cache.SMembers(context.Background(), cache.OnlinePeersKey)
		return err == nil && len(members) == 0 && len(ts.Reg.Subscribers(ShopID)) == 0
	}, defaultWait, 20*time.Millisecond)
	assert.True(t, ts.Reg.HasInventory(alice.BagID), "bags outlive connections")

	resp = ts.Admin(t, http.MethodGet, "/metrics", nil)
	var metrics map[string]interface{}
	ReadJSON(t, resp, &metrics)
	assert.Equal(t, float64(0), metrics["online_peers"])
	assert.Equal(t, true, metrics["consistent"])
}
