package inventory

import (
	"errors"
	"fmt"
)

// CheckConsistency verifies the registry invariants: the index holds exactly
// the items of all inventories, every item names its inventory, lies inside
// the grid, respects its stack bound, and overlaps no other item.
func (r *Registry) CheckConsistency() error {
	r.lock()
	defer r.unlock()

	var errs []error
	seen := make(map[int64]int64, len(r.index))
	for _, inv := range r.inventories {
		for i, it := range inv.Items {
			if prev, dup := seen[it.ID]; dup {
				errs = append(errs, fmt.Errorf("item %d appears in inventories %d and %d", it.ID, prev, inv.ID))
			}
			seen[it.ID] = inv.ID
			if idx, ok := r.index[it.ID]; !ok || idx != it {
				errs = append(errs, fmt.Errorf("item %d in inventory %d missing from index", it.ID, inv.ID))
			}
			if it.InventoryID != inv.ID {
				errs = append(errs, fmt.Errorf("item %d claims inventory %d but lives in %d", it.ID, it.InventoryID, inv.ID))
			}
			if !inv.inBounds(it.Position, it.Size()) {
				errs = append(errs, fmt.Errorf("item %d out of bounds in inventory %d", it.ID, inv.ID))
			}
			if it.Count <= 0 || (!it.Infinite && it.Count > it.Def.StackSize) {
				errs = append(errs, fmt.Errorf("item %d count %d outside 1..%d", it.ID, it.Count, it.Def.StackSize))
			}
			for _, other := range inv.Items[i+1:] {
				if overlaps(it.Position, it.Size(), other.Position, other.Size()) {
					errs = append(errs, fmt.Errorf("items %d and %d overlap in inventory %d", it.ID, other.ID, inv.ID))
				}
			}
		}
		for slot, id := range inv.Hotbar {
			if inv.Item(id) == nil {
				errs = append(errs, fmt.Errorf("hotbar slot %d of inventory %d binds foreign item %d", slot, inv.ID, id))
			}
		}
	}
	for id := range r.index {
		if _, ok := seen[id]; !ok {
			errs = append(errs, fmt.Errorf("indexed item %d belongs to no inventory", id))
		}
	}
	return errors.Join(errs...)
}
