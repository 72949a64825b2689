package inventory

import (
	"fmt"

	"github.com/kasuganosora/gridstash/resource"
)

// movePlan is a move resolved against current state. It is computed the
// same way on every node so replicas reach the authority's decisions.
type movePlan struct {
	item     *ItemInstance
	src, dst *Inventory

	rotated  bool // final orientation
	size     Vec2 // final footprint
	whole    bool // the source instance leaves its inventory
	occupant *ItemInstance

	purchase bool
	sale     bool
	price    int

	currency  *resource.ItemDefinition
	coinPos   Vec2
	coinStack *ItemInstance
	coinFits  bool
}

func (r *Registry) planMove(req MoveRequest) (*movePlan, error) {
	item, err := r.item(req.ItemID)
	if err != nil {
		return nil, err
	}
	src, err := r.inventory(item.InventoryID)
	if err != nil {
		return nil, err
	}
	dst, err := r.inventory(req.TargetInventoryID)
	if err != nil {
		return nil, err
	}
	p := &movePlan{
		item:     item,
		src:      src,
		dst:      dst,
		rotated:  item.Rotated != req.Rotated,
		whole:    !item.Infinite && req.Count == item.Count,
	}
	// Rearranging inside one inventory is never a trade.
	if src != dst && !item.Def.Currency {
		p.purchase = src.IsShop
		p.sale = dst.IsShop
	}
	p.size = sizeFor(item.Def, p.rotated)
	if p.purchase || p.sale {
		p.price = req.Count * item.Def.Value
	}
	if p.sale {
		if p.price > 0 {
			if err := r.planCoins(p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
	p.occupant = dst.stackAt(item.Def, req.Position, p.size, item.ID)
	if item.Infinite && src == dst {
		// Stock only ever relocates within its shop.
		p.whole = true
		if p.occupant != nil {
			p.occupant = blocked
		}
	}
	return p, nil
}

// planCoins finds where a sale's coin stack lands in the seller's inventory.
// A wholly sold stack frees its cells first.
func (r *Registry) planCoins(p *movePlan) error {
	p.currency = r.catalog.Currency()
	if p.currency == nil {
		return newError(CodeNotFound, "no currency item in catalog")
	}
	if p.price > p.currency.StackSize {
		return nil
	}
	var exclude int64
	if p.whole {
		exclude = p.item.ID
	}
	p.coinPos, p.coinStack, p.coinFits = p.src.findSpot(p.currency, defSize(p.currency), p.price, exclude, true)
	return nil
}

// validate runs every authoritative check. Nothing has been mutated yet.
func (p *movePlan) validate(req MoveRequest) error {
	if req.Count <= 0 {
		return newError(CodeInsufficientQuantity, "count must be positive, got %d", req.Count)
	}
	if !p.item.Infinite && req.Count > p.item.Count {
		return newError(CodeInsufficientQuantity, "item %d holds %d, asked for %d", p.item.ID, p.item.Count, req.Count)
	}
	if p.purchase && p.sale {
		return newError(CodeIllegalTransfer, "cannot transfer from shop %d to shop %d", p.src.ID, p.dst.ID)
	}
	if p.sale {
		if p.price > 0 && p.price > p.currency.StackSize {
			return newError(CodeStackOverflow, "sale of %d coins exceeds a coin stack of %d", p.price, p.currency.StackSize)
		}
		if p.price > 0 && !p.coinFits {
			return newError(CodeOutOfSpace, "no room for %d coins in inventory %d", p.price, p.src.ID)
		}
		return nil
	}
	if p.occupant == blocked {
		return newError(CodeOutOfSpace, "(%d,%d) in inventory %d is occupied", req.Position.X, req.Position.Y, p.dst.ID)
	}
	if p.occupant != nil && p.occupant.Count+req.Count > p.item.Def.StackSize {
		return newError(CodeStackOverflow, "stack %d holds %d of %d, cannot add %d",
			p.occupant.ID, p.occupant.Count, p.item.Def.StackSize, req.Count)
	}
	if space := p.dst.spaceFor(p.item.Def, req.Position, p.size, p.item.ID); space < req.Count {
		return newError(CodeOutOfSpace, "%d fits at (%d,%d) in inventory %d, asked for %d",
			space, req.Position.X, req.Position.Y, p.dst.ID, req.Count)
	}
	if p.splitsOntoItself(req) {
		return newError(CodeIllegalTransfer, "item %d cannot be split onto itself", p.item.ID)
	}
	if p.purchase {
		if have := p.dst.CoinCount(); have < p.price {
			return newError(CodeInsufficientQuantity, "purchase costs %d coins, inventory %d has %d", p.price, p.dst.ID, have)
		}
	}
	return nil
}

// splitsOntoItself reports a partial move whose new footprint would overlap
// the part of the stack left behind.
func (p *movePlan) splitsOntoItself(req MoveRequest) bool {
	if p.whole || p.occupant != nil || p.src != p.dst {
		return false
	}
	return overlaps(req.Position, p.size, p.item.Position, p.item.Size())
}

// applyMove performs cmd. The preconditions a replica can check are checked
// before the first mutation; a failure there means the replica is out of
// sync with the authority.
func (r *Registry) applyMove(cmd MoveCommand, p *movePlan) error {
	req := cmd.MoveRequest
	switch {
	case req.Count <= 0 || (!p.item.Infinite && req.Count > p.item.Count):
		return fmt.Errorf("inventory: move of %d from item %d holding %d", req.Count, p.item.ID, p.item.Count)
	case p.sale && p.price > 0 && (p.currency == nil || p.price > p.currency.StackSize || !p.coinFits):
		return fmt.Errorf("inventory: no room for sale coins in inventory %d", p.src.ID)
	case !p.sale && p.occupant == blocked:
		return fmt.Errorf("inventory: target (%d,%d) in inventory %d is blocked", req.Position.X, req.Position.Y, p.dst.ID)
	case !p.sale && p.occupant != nil && p.occupant.Count+req.Count > p.item.Def.StackSize:
		return fmt.Errorf("inventory: stack %d would overflow", p.occupant.ID)
	case p.purchase && p.dst.CoinCount() < p.price:
		return fmt.Errorf("inventory: inventory %d cannot pay %d", p.dst.ID, p.price)
	case p.needsFreeID() && r.inUse(cmd.FreeID):
		return fmt.Errorf("inventory: free id %d already in use", cmd.FreeID)
	}

	if p.sale {
		r.consume(p.item, req.Count)
		if p.price > 0 {
			r.placeStack(p.src, p.currency, p.coinPos, p.coinStack, p.price, cmd.FreeID)
		}
		r.emitTouched(EventItemMoved, p.item.ID, req.Count, p.src, p.dst)
		return nil
	}

	if p.purchase && p.price > 0 {
		removed, err := p.dst.TakeCoins(p.price)
		if err != nil {
			return err
		}
		for _, id := range removed {
			delete(r.index, id)
		}
	}

	switch {
	case p.occupant != nil:
		r.consume(p.item, req.Count)
		p.occupant.Count += req.Count
	case p.whole:
		if p.src != p.dst {
			p.src.removeItem(p.item.ID)
			p.dst.addItem(p.item)
		}
		p.item.Position = req.Position
		p.item.Rotated = p.rotated
	default:
		moved := &ItemInstance{
			ID:       cmd.FreeID,
			Def:      p.item.Def,
			Count:    req.Count,
			Position: req.Position,
			Rotated:  p.rotated,
		}
		r.consume(p.item, req.Count)
		p.dst.addItem(moved)
		r.indexItem(moved)
	}
	r.emitTouched(EventItemMoved, p.item.ID, req.Count, p.src, p.dst)
	return nil
}

func (p *movePlan) needsFreeID() bool {
	if p.sale {
		return p.price > 0 && p.coinStack == nil
	}
	return p.occupant == nil && !p.whole
}

// consume takes count units from it, removing it when emptied. Infinite
// stock is never consumed.
func (r *Registry) consume(it *ItemInstance, count int) {
	if it.Infinite {
		return
	}
	if count >= it.Count {
		r.dropItem(it)
		return
	}
	it.Count -= count
}

// placeStack merges count into stack, or inserts a new instance with id at pos.
func (r *Registry) placeStack(inv *Inventory, def *resource.ItemDefinition, pos Vec2, stack *ItemInstance, count int, id int64) {
	if stack != nil {
		stack.Count += count
		return
	}
	it := &ItemInstance{ID: id, Def: def, Count: count, Position: pos}
	inv.addItem(it)
	r.indexItem(it)
}
