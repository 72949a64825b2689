package inventory

import (
	"sort"

	"github.com/kasuganosora/gridstash/resource"
)

// HotbarSlots is the number of hotbar slots per inventory (0..5).
const HotbarSlots = 6

// Inventory is a fixed-size grid owning a set of item stacks.
//
// Items is unordered; membership is containment. Placement and overlap are
// always answered by a linear bounding-box scan over Items.
type Inventory struct {
	ID     int64
	Size   Vec2
	IsShop bool
	Items  []*ItemInstance

	// Hotbar maps slot -> item id. Local bookkeeping only, never replicated.
	Hotbar map[int]int64

	subscribers map[PeerID]struct{}
}

// NewInventory creates an empty inventory.
func NewInventory(id int64, size Vec2, isShop bool) *Inventory {
	return &Inventory{
		ID:          id,
		Size:        size,
		IsShop:      isShop,
		Hotbar:      make(map[int]int64),
		subscribers: make(map[PeerID]struct{}),
	}
}

// Item returns the instance with the given id, or nil.
func (inv *Inventory) Item(id int64) *ItemInstance {
	for _, it := range inv.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (inv *Inventory) inBounds(pos, size Vec2) bool {
	return pos.X >= 0 && pos.Y >= 0 &&
		pos.X+size.X <= inv.Size.X && pos.Y+size.Y <= inv.Size.Y
}

// GetSpaceAt returns how many units of item fit with its top-left at pos.
// rotated is relative to the item's current orientation.
//
// Out of bounds or overlapping a foreign item yields 0. Overlapping exactly one
// same-definition stack yields the room left in that stack. An empty footprint
// yields a full StackSize; callers clamp to what they intend to move.
func (inv *Inventory) GetSpaceAt(item *ItemInstance, pos Vec2, rotated bool) int {
	return inv.spaceFor(item.Def, pos, sizeFor(item.Def, item.Rotated != rotated), item.ID)
}

func (inv *Inventory) spaceFor(def *resource.ItemDefinition, pos, size Vec2, excludeID int64) int {
	if !inv.inBounds(pos, size) {
		return 0
	}
	stack := inv.stackAt(def, pos, size, excludeID)
	if stack == blocked {
		return 0
	}
	if stack != nil {
		return def.StackSize - stack.Count
	}
	return def.StackSize
}

// blocked is the sentinel stackAt returns when the footprint cannot take def.
var blocked = &ItemInstance{}

// stackAt returns nil for an empty footprint, the single same-definition
// stack the footprint overlaps, or blocked.
func (inv *Inventory) stackAt(def *resource.ItemDefinition, pos, size Vec2, excludeID int64) *ItemInstance {
	var stack *ItemInstance
	for _, other := range inv.Items {
		if other.ID == excludeID || !overlaps(pos, size, other.Position, other.Size()) {
			continue
		}
		if !other.sameKind(def) || !def.Stackable() || other.Infinite || stack != nil {
			return blocked
		}
		stack = other
	}
	return stack
}

// GetItemAtPosition returns the first item whose footprint contains pos.
func (inv *Inventory) GetItemAtPosition(pos Vec2) *ItemInstance {
	for _, it := range inv.Items {
		if it.Contains(pos) {
			return it
		}
	}
	return nil
}

// CanRotateItem reports whether item can be rotated in place.
func (inv *Inventory) CanRotateItem(item *ItemInstance) bool {
	return inv.GetSpaceAt(item, item.Position, true) >= item.Count
}

// FindSpotToFitItem returns where item would be placed by a spawn: the
// position of the first same-definition stack with room for it, else the
// first row-major cell with enough space.
func (inv *Inventory) FindSpotToFitItem(item *ItemInstance) (Vec2, bool) {
	pos, _, ok := inv.findSpot(item.Def, item.Size(), item.Count, item.ID, true)
	return pos, ok
}

// findSpot also returns the stack the caller must merge into, if any.
// With merge=false the stack pass is skipped (used for infinite stock).
func (inv *Inventory) findSpot(def *resource.ItemDefinition, size Vec2, count int, excludeID int64, merge bool) (Vec2, *ItemInstance, bool) {
	if merge && def.Stackable() {
		for _, other := range inv.Items {
			if other.ID == excludeID || other.Infinite || !other.sameKind(def) {
				continue
			}
			if other.Count+count <= def.StackSize {
				return other.Position, other, true
			}
		}
	}
	for y := 0; y+size.Y <= inv.Size.Y; y++ {
		for x := 0; x+size.X <= inv.Size.X; x++ {
			pos := Vec2{x, y}
			if inv.spaceFor(def, pos, size, excludeID) < count {
				continue
			}
			stack := inv.stackAt(def, pos, size, excludeID)
			if stack == blocked || (!merge && stack != nil) {
				continue
			}
			return pos, stack, true
		}
	}
	return Vec2{}, nil, false
}

// CoinCount sums the counts of all finite currency stacks.
func (inv *Inventory) CoinCount() int {
	total := 0
	for _, it := range inv.Items {
		if it.Def.Currency && !it.Infinite {
			total += it.Count
		}
	}
	return total
}

// TakeCoins consumes count coins, walking currency stacks in list order and
// emptying whole stacks before partially consuming the last one needed.
// It returns the ids of the stacks that were removed. Nothing is mutated when
// the inventory holds fewer than count coins.
func (inv *Inventory) TakeCoins(count int) ([]int64, error) {
	if count <= 0 {
		return nil, nil
	}
	if have := inv.CoinCount(); have < count {
		return nil, newError(CodeInsufficientQuantity, "need %d coins, have %d", count, have)
	}
	var removed []int64
	remaining := count
	for _, it := range inv.Items {
		if remaining == 0 {
			break
		}
		if !it.Def.Currency || it.Infinite {
			continue
		}
		if it.Count <= remaining {
			remaining -= it.Count
			removed = append(removed, it.ID)
			continue
		}
		it.Count -= remaining
		remaining = 0
	}
	for _, id := range removed {
		inv.removeItem(id)
	}
	return removed, nil
}

// BindItemToSlot binds an owned item to a hotbar slot, unbinding it from
// any slot it already occupies.
func (inv *Inventory) BindItemToSlot(slot int, itemID int64) error {
	if slot < 0 || slot >= HotbarSlots {
		return newError(CodeOutOfSpace, "hotbar slot %d out of range", slot)
	}
	if inv.Item(itemID) == nil {
		return errNoItem(itemID).with("inventory_id", itoa(inv.ID))
	}
	inv.unbind(itemID)
	inv.Hotbar[slot] = itemID
	return nil
}

// UnbindSlot clears a hotbar slot.
func (inv *Inventory) UnbindSlot(slot int) {
	delete(inv.Hotbar, slot)
}

func (inv *Inventory) unbind(itemID int64) {
	for slot, id := range inv.Hotbar {
		if id == itemID {
			delete(inv.Hotbar, slot)
		}
	}
}

func (inv *Inventory) addItem(it *ItemInstance) {
	it.InventoryID = inv.ID
	inv.Items = append(inv.Items, it)
}

// removeItem drops the item from Items and the hotbar, preserving order.
func (inv *Inventory) removeItem(id int64) *ItemInstance {
	for i, it := range inv.Items {
		if it.ID == id {
			inv.Items = append(inv.Items[:i], inv.Items[i+1:]...)
			inv.unbind(id)
			return it
		}
	}
	return nil
}

// ---- subscribers ----

func (inv *Inventory) subscribe(peer PeerID) bool {
	if _, ok := inv.subscribers[peer]; ok {
		return false
	}
	inv.subscribers[peer] = struct{}{}
	return true
}

func (inv *Inventory) unsubscribe(peer PeerID) bool {
	if _, ok := inv.subscribers[peer]; !ok {
		return false
	}
	delete(inv.subscribers, peer)
	return true
}

// IsSubscribed reports whether peer receives commands for this inventory.
func (inv *Inventory) IsSubscribed(peer PeerID) bool {
	_, ok := inv.subscribers[peer]
	return ok
}

// Subscribers returns the subscribed peers in ascending order.
func (inv *Inventory) Subscribers() []PeerID {
	out := make([]PeerID, 0, len(inv.subscribers))
	for p := range inv.subscribers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
