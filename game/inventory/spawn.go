package inventory

import (
	"context"
	"fmt"

	"github.com/kasuganosora/gridstash/resource"
	"go.uber.org/zap"
)

type spawnPlan struct {
	def   *resource.ItemDefinition
	inv   *Inventory
	pos   Vec2
	stack *ItemInstance
	fits  bool
}

func (r *Registry) planSpawn(req SpawnRequest) (*spawnPlan, error) {
	def, ok := r.catalog.Lookup(req.ItemPath)
	if !ok {
		return nil, errNoDefinition(req.ItemPath)
	}
	inv, err := r.inventory(req.InventoryID)
	if err != nil {
		return nil, err
	}
	p := &spawnPlan{def: def, inv: inv}
	need := req.Count
	if req.Infinite && need > def.StackSize {
		need = def.StackSize
	}
	// Infinite stock always gets an instance of its own.
	p.pos, p.stack, p.fits = inv.findSpot(def, defSize(def), need, 0, !req.Infinite)
	return p, nil
}

func (p *spawnPlan) validate(req SpawnRequest) error {
	if req.Count <= 0 {
		return newError(CodeInsufficientQuantity, "count must be positive, got %d", req.Count)
	}
	if !req.Infinite && req.Count > p.def.StackSize {
		return newError(CodeStackOverflow, "%d exceeds stack size %d of %s", req.Count, p.def.StackSize, p.def.Path)
	}
	if !p.fits {
		return newError(CodeOutOfSpace, "no room for %d %s in inventory %d", req.Count, p.def.Path, p.inv.ID)
	}
	return nil
}

func (r *Registry) applySpawn(cmd SpawnCommand, p *spawnPlan) error {
	switch {
	case !p.fits:
		return fmt.Errorf("inventory: no room for spawn in inventory %d", p.inv.ID)
	case p.stack == nil && r.inUse(cmd.FreshID):
		return fmt.Errorf("inventory: fresh id %d already in use", cmd.FreshID)
	}
	itemID := cmd.FreshID
	if p.stack != nil {
		p.stack.Count += cmd.Count
		itemID = p.stack.ID
	} else {
		it := &ItemInstance{
			ID:       cmd.FreshID,
			Def:      p.def,
			Count:    cmd.Count,
			Position: p.pos,
			Infinite: cmd.Infinite,
		}
		p.inv.addItem(it)
		r.indexItem(it)
	}
	r.emit(Event{Type: EventItemSpawned, InventoryID: p.inv.ID, ItemID: itemID, Count: cmd.Count})

	if r.isAuthority() && r.world != nil && cmd.DeleteRef != "" {
		ref := cmd.DeleteRef
		r.later(func() {
			if err := r.world.RemoveWorldItem(context.Background(), ref); err != nil {
				r.logger.Warn("remove world item failed", zap.String("ref", ref), zap.Error(err))
			}
		})
	}
	return nil
}

type deletePlan struct {
	item *ItemInstance
	inv  *Inventory
}

func (r *Registry) planDelete(req DeleteRequest) (*deletePlan, error) {
	it, err := r.item(req.ItemID)
	if err != nil {
		return nil, err
	}
	inv, err := r.inventory(it.InventoryID)
	if err != nil {
		return nil, err
	}
	return &deletePlan{item: it, inv: inv}, nil
}

// applyDelete removes the item everywhere on this node. On the authority a
// pickup-capable item reappears in the world. Sales never come through here.
func (r *Registry) applyDelete(p *deletePlan) {
	doc := EncodeItem(p.item)
	r.dropItem(p.item)
	r.emit(Event{Type: EventItemDeleted, InventoryID: p.inv.ID, ItemID: p.item.ID, Count: p.item.Count})

	if r.isAuthority() && r.world != nil && p.item.Def.Pickup {
		r.later(func() {
			if err := r.world.MaterializeItem(context.Background(), doc); err != nil {
				r.logger.Warn("materialize item failed", zap.Int64("item_id", doc.InstanceID), zap.Error(err))
			}
		})
	}
}
