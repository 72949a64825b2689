package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
)

// Role tags a registry as the single authority or as a replica.
type Role int

const (
	RoleAuthority Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "replica"
}

var (
	ErrDuplicateInventory = errors.New("inventory: duplicate inventory id")
	ErrInventoryNotEmpty  = errors.New("inventory: inventory still holds items")
	ErrInventoryMismatch  = errors.New("inventory: existing inventory has a different shape")
	ErrInvalidSize        = errors.New("inventory: size must be positive")
)

// PeerSender delivers packets to one connected peer without blocking.
// player.SessionManager implements it on the authority.
type PeerSender interface {
	SendToPeer(peer PeerID, pkt *protocol.Packet)
}

// AuthorityLink carries requests from a replica to the authority.
type AuthorityLink interface {
	SendToAuthority(ctx context.Context, pkt *protocol.Packet) error
}

// Options configures a Registry.
type Options struct {
	Role     Role
	Self     PeerID
	IDPolicy IDPolicy
}

// Registry owns every inventory known to this node and the global item
// index, and drives replication.
//
// All request handling and command application is serialised by mu.
// Packets to peers are enqueued while mu is held so every subscriber sees
// commands in commit order. Event delivery and world callbacks run after mu
// is released.
type Registry struct {
	mu          sync.Mutex
	opts        Options
	catalog     Catalog
	ids         idAllocator
	inventories map[int64]*Inventory
	index       map[int64]*ItemInstance
	pending     []func()

	peers     PeerSender
	link      AuthorityLink
	publisher EventPublisher
	world     World

	lmu       sync.RWMutex
	listeners []func(Event)

	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, catalog Catalog, logger *zap.Logger) *Registry {
	if opts.IDPolicy == "" {
		opts.IDPolicy = PolicyMonotonic
	}
	return &Registry{
		opts:        opts,
		catalog:     catalog,
		ids:         idAllocator{policy: opts.IDPolicy},
		inventories: make(map[int64]*Inventory),
		index:       make(map[int64]*ItemInstance),
		logger:      logger.With(zap.String("role", opts.Role.String())),
	}
}

// SetPeerSender wires the authority's fan-out transport.
func (r *Registry) SetPeerSender(ps PeerSender) { r.peers = ps }

// SetAuthorityLink wires the replica's upstream transport.
func (r *Registry) SetAuthorityLink(l AuthorityLink) { r.link = l }

// SetPublisher wires the event bus.
func (r *Registry) SetPublisher(p EventPublisher) { r.publisher = p }

// SetWorld wires the game-world collaborator (authority only).
func (r *Registry) SetWorld(w World) { r.world = w }

// OnEvent registers a local listener for committed events.
func (r *Registry) OnEvent(fn func(Event)) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) listenerList() []func(Event) {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	return r.listeners
}

// Role returns the registry's role.
func (r *Registry) Role() Role { return r.opts.Role }

// Self returns the local peer id.
func (r *Registry) Self() PeerID { return r.opts.Self }

func (r *Registry) isAuthority() bool { return r.opts.Role == RoleAuthority }

// ---- locking ----

// later queues fn to run after the lock is released.
func (r *Registry) later(fn func()) {
	r.pending = append(r.pending, fn)
}

func (r *Registry) lock() { r.mu.Lock() }

// unlock releases mu and then runs the effects queued while it was held.
func (r *Registry) unlock() {
	effects := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

// ---- index ----

func (r *Registry) inUse(id int64) bool {
	_, ok := r.index[id]
	return ok
}

func (r *Registry) indexItem(it *ItemInstance) {
	r.index[it.ID] = it
	r.ids.observe(it.ID)
}

// dropItem removes it from its inventory and from the index.
func (r *Registry) dropItem(it *ItemInstance) {
	if inv := r.inventories[it.InventoryID]; inv != nil {
		inv.removeItem(it.ID)
	}
	delete(r.index, it.ID)
}

func (r *Registry) inventory(id int64) (*Inventory, error) {
	inv, ok := r.inventories[id]
	if !ok {
		return nil, errNoInventory(id)
	}
	return inv, nil
}

func (r *Registry) item(id int64) (*ItemInstance, error) {
	it, ok := r.index[id]
	if !ok {
		return nil, errNoItem(id)
	}
	return it, nil
}

// ---- fan-out ----

func (r *Registry) send(peer PeerID, pkt *protocol.Packet) {
	if r.peers == nil || peer == r.opts.Self {
		return
	}
	r.peers.SendToPeer(peer, pkt)
}

// broadcast sends one packet to the union of the inventories' subscribers,
// each peer once, in ascending peer order.
func (r *Registry) broadcast(pkt *protocol.Packet, inventories ...*Inventory) {
	seen := make(map[PeerID]struct{})
	var peers []PeerID
	for _, inv := range inventories {
		for p := range inv.subscribers {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, p := range peers {
		r.send(p, pkt)
	}
}

// subscribeLocked adds peer to inv and sends it the current snapshot.
func (r *Registry) subscribeLocked(peer PeerID, inv *Inventory) InventoryDoc {
	doc := EncodeInventory(inv)
	if peer == r.opts.Self {
		return doc
	}
	if inv.subscribe(peer) {
		r.logger.Debug("peer subscribed",
			zap.Int64("peer_id", peer),
			zap.Int64("inventory_id", inv.ID))
	}
	r.send(peer, protocol.MustPacket(protocol.TypeSubscribed, doc))
	return doc
}

// crossSubscribe bootstraps every subscriber of one side with the other
// side's state, so an incoming command always has a base to apply to.
func (r *Registry) crossSubscribe(a, b *Inventory) {
	if a == b {
		return
	}
	for _, p := range a.Subscribers() {
		if !b.IsSubscribed(p) {
			r.subscribeLocked(p, b)
		}
	}
	for _, p := range b.Subscribers() {
		if !a.IsSubscribed(p) {
			r.subscribeLocked(p, a)
		}
	}
}

// ---- lifecycle ----

// CreateInventory registers a new empty inventory. Authority only.
func (r *Registry) CreateInventory(id int64, size Vec2, isShop bool) error {
	if !r.isAuthority() {
		return errNotAuthority("CreateInventory")
	}
	if size.X <= 0 || size.Y <= 0 {
		return ErrInvalidSize
	}
	r.lock()
	defer r.unlock()
	if _, ok := r.inventories[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateInventory, id)
	}
	r.inventories[id] = NewInventory(id, size, isShop)
	r.logger.Info("inventory created",
		zap.Int64("inventory_id", id),
		zap.Int("width", size.X),
		zap.Int("height", size.Y),
		zap.Bool("shop", isShop))
	return nil
}

// EnsureInventory creates the inventory unless it already exists. An
// existing inventory is only accepted when its size and kind match.
func (r *Registry) EnsureInventory(id int64, size Vec2, isShop bool) error {
	err := r.CreateInventory(id, size, isShop)
	if !errors.Is(err, ErrDuplicateInventory) {
		return err
	}
	r.lock()
	defer r.unlock()
	inv, ok := r.inventories[id]
	if !ok {
		return err
	}
	if inv.Size != size || inv.IsShop != isShop {
		return fmt.Errorf("%w: %d is %dx%d shop=%t", ErrInventoryMismatch,
			id, inv.Size.X, inv.Size.Y, inv.IsShop)
	}
	return nil
}

// DestroyInventory tears an inventory down. Unless force is set it refuses
// while items remain. Subscribers get an inv_destroyed packet so they drop
// their copies.
func (r *Registry) DestroyInventory(id int64, force bool) error {
	if !r.isAuthority() {
		return errNotAuthority("DestroyInventory")
	}
	r.lock()
	defer r.unlock()
	inv, err := r.inventory(id)
	if err != nil {
		return err
	}
	if len(inv.Items) > 0 && !force {
		return fmt.Errorf("%w: %d holds %d", ErrInventoryNotEmpty, id, len(inv.Items))
	}
	r.broadcast(protocol.MustPacket(protocol.TypeDestroyed, Teardown{InventoryID: id}), inv)
	for _, it := range inv.Items {
		delete(r.index, it.ID)
	}
	delete(r.inventories, id)
	r.emit(Event{Type: EventInventoryDestroyed, InventoryID: id})
	r.logger.Info("inventory destroyed",
		zap.Int64("inventory_id", id),
		zap.Int("items", len(inv.Items)),
		zap.Int("subscribers", len(inv.subscribers)))
	return nil
}

// ---- read side ----

// HasInventory reports whether the inventory is known locally.
func (r *Registry) HasInventory(id int64) bool {
	r.lock()
	defer r.unlock()
	_, ok := r.inventories[id]
	return ok
}

// Inventories lists known inventory ids in ascending order.
func (r *Registry) Inventories() []int64 {
	r.lock()
	defer r.unlock()
	ids := make([]int64, 0, len(r.inventories))
	for id := range r.inventories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns the inventory's current document.
func (r *Registry) Snapshot(id int64) (InventoryDoc, error) {
	r.lock()
	defer r.unlock()
	inv, err := r.inventory(id)
	if err != nil {
		return InventoryDoc{}, err
	}
	return EncodeInventory(inv), nil
}

// Item returns a copy of the indexed instance.
func (r *Registry) Item(id int64) (ItemInstance, bool) {
	r.lock()
	defer r.unlock()
	it, ok := r.index[id]
	if !ok {
		return ItemInstance{}, false
	}
	return *it, true
}

// Subscribers lists the peers subscribed to an inventory.
func (r *Registry) Subscribers(id int64) []PeerID {
	r.lock()
	defer r.unlock()
	inv, ok := r.inventories[id]
	if !ok {
		return nil
	}
	return inv.Subscribers()
}

// Stats returns the number of inventories and indexed items.
func (r *Registry) Stats() (inventories, items int) {
	r.lock()
	defer r.unlock()
	return len(r.inventories), len(r.index)
}

// GetSpaceAt probes how many units of an indexed item fit at pos in invID.
func (r *Registry) GetSpaceAt(itemID, invID int64, pos Vec2, rotated bool) (int, error) {
	r.lock()
	defer r.unlock()
	it, err := r.item(itemID)
	if err != nil {
		return 0, err
	}
	inv, err := r.inventory(invID)
	if err != nil {
		return 0, err
	}
	return inv.GetSpaceAt(it, pos, rotated), nil
}

// GetItemAtPosition returns a copy of the item covering pos.
func (r *Registry) GetItemAtPosition(invID int64, pos Vec2) (ItemInstance, bool) {
	r.lock()
	defer r.unlock()
	inv, ok := r.inventories[invID]
	if !ok {
		return ItemInstance{}, false
	}
	it := inv.GetItemAtPosition(pos)
	if it == nil {
		return ItemInstance{}, false
	}
	return *it, true
}

// CanRotateItem reports whether the item could be rotated in place.
func (r *Registry) CanRotateItem(itemID int64) bool {
	r.lock()
	defer r.unlock()
	it, ok := r.index[itemID]
	if !ok {
		return false
	}
	inv, ok := r.inventories[it.InventoryID]
	return ok && inv.CanRotateItem(it)
}

// FindSpotToFitItem returns where item would land if spawned into invID.
func (r *Registry) FindSpotToFitItem(item *ItemInstance, invID int64) (Vec2, bool) {
	r.lock()
	defer r.unlock()
	inv, ok := r.inventories[invID]
	if !ok {
		return Vec2{}, false
	}
	return inv.FindSpotToFitItem(item)
}

// CoinCount returns the currency held by an inventory.
func (r *Registry) CoinCount(invID int64) (int, error) {
	r.lock()
	defer r.unlock()
	inv, err := r.inventory(invID)
	if err != nil {
		return 0, err
	}
	return inv.CoinCount(), nil
}

// BindItemToSlot binds an item to a hotbar slot of its inventory. The
// binding is local to this node.
func (r *Registry) BindItemToSlot(invID int64, slot int, itemID int64) error {
	r.lock()
	defer r.unlock()
	inv, err := r.inventory(invID)
	if err != nil {
		return err
	}
	return inv.BindItemToSlot(slot, itemID)
}

// HotbarItem returns the item bound to a slot.
func (r *Registry) HotbarItem(invID int64, slot int) (int64, bool) {
	r.lock()
	defer r.unlock()
	inv, ok := r.inventories[invID]
	if !ok {
		return 0, false
	}
	id, ok := inv.Hotbar[slot]
	return id, ok
}
