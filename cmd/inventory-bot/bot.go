package main

import (
	"context"
	"math/rand/v2"

	"github.com/kasuganosora/gridstash/game/inventory"
	"go.uber.org/zap"
)

// bot shuffles items around its bag through the replica's request surface,
// occasionally buying from a shop.
type bot struct {
	reg       *inventory.Registry
	bag       int64
	shop      int64
	spawnPath string
	rng       *rand.Rand
	logger    *zap.Logger
}

// step performs one random action. Requests the replica already rules out
// are logged and skipped.
func (b *bot) step(ctx context.Context) error {
	doc, err := b.reg.Snapshot(b.bag)
	if err != nil {
		return nil // not synced yet
	}
	var action string
	switch {
	case len(doc.Items) == 0:
		action, err = "spawn", b.spawn(ctx)
	default:
		switch b.rng.IntN(4) {
		case 0:
			action, err = "spawn", b.spawn(ctx)
		case 1:
			action, err = "rotate", b.rotate(ctx, doc)
		case 2:
			action, err = "buy", b.buy(ctx)
		default:
			action, err = "move", b.move(ctx, doc)
		}
	}
	if err != nil {
		b.logger.Debug("action refused", zap.String("action", action), zap.Error(err))
		if inventory.GetCode(err) == inventory.CodeUnknown {
			return err
		}
	}
	return nil
}

func (b *bot) spawn(ctx context.Context) error {
	return b.reg.RequestSpawnInstance(ctx, inventory.SpawnRequest{ItemPath: b.spawnPath, InventoryID: b.bag, Count: 1})
}

func (b *bot) pick(doc inventory.InventoryDoc) inventory.ItemDoc {
	return doc.Items[b.rng.IntN(len(doc.Items))]
}

// move relocates a random stack to a random cell that can take at least
// part of it.
func (b *bot) move(ctx context.Context, doc inventory.InventoryDoc) error {
	it := b.pick(doc)
	pos := inventory.Vec2{X: b.rng.IntN(doc.Size.X), Y: b.rng.IntN(doc.Size.Y)}
	space, err := b.reg.GetSpaceAt(it.InstanceID, b.bag, pos, false)
	if err != nil {
		return err
	}
	if space == 0 {
		return nil
	}
	return b.reg.RequestItemMove(ctx, inventory.MoveRequest{
		ItemID:            it.InstanceID,
		TargetInventoryID: b.bag,
		Position:          pos,
		Count:             min(space, it.Count),
	})
}

func (b *bot) rotate(ctx context.Context, doc inventory.InventoryDoc) error {
	it := b.pick(doc)
	if !b.reg.CanRotateItem(it.InstanceID) {
		return nil
	}
	return b.reg.RequestItemRotate(ctx, it.InstanceID)
}

// buy moves one unit of random shop stock into the first free cell of the bag.
func (b *bot) buy(ctx context.Context) error {
	if b.shop == 0 {
		return nil
	}
	shop, err := b.reg.Snapshot(b.shop)
	if err != nil || len(shop.Items) == 0 {
		return nil
	}
	stock := b.pick(shop)
	bag, err := b.reg.Snapshot(b.bag)
	if err != nil {
		return err
	}
	for y := 0; y < bag.Size.Y; y++ {
		for x := 0; x < bag.Size.X; x++ {
			pos := inventory.Vec2{X: x, Y: y}
			if space, _ := b.reg.GetSpaceAt(stock.InstanceID, b.bag, pos, false); space > 0 {
				return b.reg.RequestItemMove(ctx, inventory.MoveRequest{
					ItemID:            stock.InstanceID,
					TargetInventoryID: b.bag,
					Position:          pos,
					Count:             1,
				})
			}
		}
	}
	return nil
}
