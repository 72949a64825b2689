package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
)

// ---- local request surface (any role) ----

// RequestItemMove proposes a move. On the authority it commits directly; a
// replica rejects what its local copy already rules out and forwards the
// rest. Success on a replica means only that the request was sent.
func (r *Registry) RequestItemMove(ctx context.Context, req MoveRequest) error {
	if r.isAuthority() {
		_, err := r.HandleMoveRequest(r.opts.Self, req)
		return err
	}
	if err := r.precheckMove(req); err != nil {
		return err
	}
	return r.forward(ctx, protocol.TypeRequestMove, req)
}

// precheckMove validates against the local replica. An inventory or item
// this replica has not seen is left for the authority to judge.
func (r *Registry) precheckMove(req MoveRequest) error {
	r.lock()
	defer r.unlock()
	p, err := r.planMove(req)
	if IsCode(err, CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.validate(req)
}

// RequestItemRotate proposes rotating an item in place.
func (r *Registry) RequestItemRotate(ctx context.Context, itemID int64) error {
	it, ok := r.Item(itemID)
	if !ok {
		return errNoItem(itemID)
	}
	return r.RequestItemMove(ctx, MoveRequest{
		ItemID:            it.ID,
		TargetInventoryID: it.InventoryID,
		Position:          it.Position,
		Rotated:           true,
		Count:             it.Count,
	})
}

// RequestSpawnInstance proposes creating items.
func (r *Registry) RequestSpawnInstance(ctx context.Context, req SpawnRequest) error {
	if r.isAuthority() {
		_, err := r.HandleSpawnRequest(r.opts.Self, req)
		return err
	}
	if req.Count <= 0 {
		return newError(CodeInsufficientQuantity, "count must be positive, got %d", req.Count)
	}
	if _, ok := r.catalog.Lookup(req.ItemPath); !ok {
		return errNoDefinition(req.ItemPath)
	}
	return r.forward(ctx, protocol.TypeRequestSpawn, req)
}

// RequestDeleteItem proposes removing an item.
func (r *Registry) RequestDeleteItem(ctx context.Context, itemID int64) error {
	req := DeleteRequest{ItemID: itemID}
	if r.isAuthority() {
		_, err := r.HandleDeleteRequest(r.opts.Self, req)
		return err
	}
	return r.forward(ctx, protocol.TypeRequestDelete, req)
}

// SubscribeToInventory asks the authority for an inventory's snapshot and
// command stream. The authority already holds everything.
func (r *Registry) SubscribeToInventory(ctx context.Context, invID int64) error {
	if r.isAuthority() {
		if !r.HasInventory(invID) {
			return errNoInventory(invID)
		}
		return nil
	}
	return r.forward(ctx, protocol.TypeSubscribe, SubscribeRequest{InventoryID: invID})
}

// UnsubscribeFromInventory stops the command stream and forgets the local
// copy.
func (r *Registry) UnsubscribeFromInventory(ctx context.Context, invID int64) error {
	if r.isAuthority() {
		return nil
	}
	if err := r.forward(ctx, protocol.TypeUnsubscribe, SubscribeRequest{InventoryID: invID}); err != nil {
		return err
	}
	r.lock()
	defer r.unlock()
	r.forgetLocked(invID)
	return nil
}

func (r *Registry) forward(ctx context.Context, msgType string, payload interface{}) error {
	if r.link == nil {
		return fmt.Errorf("inventory: no authority link for %s", msgType)
	}
	pkt, err := protocol.NewPacket(msgType, payload)
	if err != nil {
		return err
	}
	return r.link.SendToAuthority(ctx, pkt)
}

// ---- authoritative commands (replica) ----

// ApplyCommand applies a packet received from the authority. A command
// that does not fit local state marks the touched inventories as out of
// sync and re-subscribes them.
func (r *Registry) ApplyCommand(pkt *protocol.Packet) error {
	if r.isAuthority() {
		return newError(CodeAuthorityViolation, "authority does not accept %s", pkt.Type)
	}
	switch pkt.Type {
	case protocol.TypeMove:
		var cmd MoveCommand
		if err := pkt.Decode(&cmd); err != nil {
			return err
		}
		return r.ApplyMove(cmd)
	case protocol.TypeSpawn:
		var cmd SpawnCommand
		if err := pkt.Decode(&cmd); err != nil {
			return err
		}
		return r.ApplySpawn(cmd)
	case protocol.TypeDelete:
		var cmd DeleteCommand
		if err := pkt.Decode(&cmd); err != nil {
			return err
		}
		return r.ApplyDelete(cmd)
	case protocol.TypeSubscribed:
		var doc InventoryDoc
		if err := pkt.Decode(&doc); err != nil {
			return err
		}
		return r.ApplySnapshot(doc)
	case protocol.TypeDestroyed:
		var td Teardown
		if err := pkt.Decode(&td); err != nil {
			return err
		}
		r.lock()
		defer r.unlock()
		if _, ok := r.inventories[td.InventoryID]; ok {
			r.forgetLocked(td.InventoryID)
			r.emit(Event{Type: EventInventoryDestroyed, InventoryID: td.InventoryID})
		}
		return nil
	case protocol.TypeRejected:
		var rej Rejection
		if err := pkt.Decode(&rej); err != nil {
			return err
		}
		r.logger.Info("request rejected by authority",
			zap.String("request", rej.Request),
			zap.String("code", string(rej.Code)),
			zap.String("message", rej.Message))
		r.lock()
		r.emit(Event{Type: EventRequestRejected, Request: rej.Request, Code: rej.Code, Message: rej.Message})
		r.unlock()
		return nil
	}
	return fmt.Errorf("inventory: unexpected packet %q", pkt.Type)
}

// ApplyMove applies a committed move.
func (r *Registry) ApplyMove(cmd MoveCommand) error {
	r.lock()
	defer r.unlock()
	p, err := r.planMove(cmd.MoveRequest)
	if err == nil {
		err = r.applyMove(cmd, p)
	}
	if err != nil {
		ids := []int64{cmd.TargetInventoryID}
		if it, ok := r.index[cmd.ItemID]; ok {
			ids = append(ids, it.InventoryID)
		} else {
			ids = r.knownInventories()
		}
		return r.desync(err, ids...)
	}
	r.ids.observe(cmd.FreeID)
	return nil
}

// ApplySpawn applies a committed spawn.
func (r *Registry) ApplySpawn(cmd SpawnCommand) error {
	r.lock()
	defer r.unlock()
	p, err := r.planSpawn(cmd.SpawnRequest)
	if err == nil {
		err = r.applySpawn(cmd, p)
	}
	if err != nil {
		return r.desync(err, cmd.InventoryID)
	}
	return nil
}

// ApplyDelete applies a committed delete.
func (r *Registry) ApplyDelete(cmd DeleteCommand) error {
	r.lock()
	defer r.unlock()
	p, err := r.planDelete(cmd)
	if err != nil {
		return r.desync(err, r.knownInventories()...)
	}
	r.applyDelete(p)
	return nil
}

// ApplySnapshot replaces the local copy of an inventory and rebuilds its
// part of the index. Hotbar bindings that still point at owned items are
// kept.
func (r *Registry) ApplySnapshot(doc InventoryDoc) error {
	inv, err := DecodeInventory(doc, r.catalog)
	if err != nil {
		return err
	}
	r.lock()
	defer r.unlock()
	if old, ok := r.inventories[doc.ID]; ok {
		for _, it := range old.Items {
			delete(r.index, it.ID)
		}
		for slot, id := range old.Hotbar {
			if inv.Item(id) != nil {
				inv.Hotbar[slot] = id
			}
		}
	}
	for _, it := range inv.Items {
		// An id moving here from another inventory means that copy is stale.
		if other, ok := r.index[it.ID]; ok {
			r.dropItem(other)
		}
		r.indexItem(it)
	}
	r.inventories[doc.ID] = inv
	r.emit(Event{Type: EventInventorySynced, InventoryID: doc.ID, Count: len(inv.Items)})
	return nil
}

func (r *Registry) forgetLocked(invID int64) {
	inv, ok := r.inventories[invID]
	if !ok {
		return
	}
	for _, it := range inv.Items {
		delete(r.index, it.ID)
	}
	delete(r.inventories, invID)
}

func (r *Registry) knownInventories() []int64 {
	ids := make([]int64, 0, len(r.inventories))
	for id := range r.inventories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// desync logs a command that could not be applied and re-subscribes the
// affected inventories once the lock is released.
func (r *Registry) desync(cause error, invIDs ...int64) error {
	r.logger.Error("replica out of sync with authority",
		zap.Int64s("inventory_ids", invIDs),
		zap.Error(cause))
	if r.link != nil {
		seen := make(map[int64]bool, len(invIDs))
		for _, id := range invIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			pkt := protocol.MustPacket(protocol.TypeSubscribe, SubscribeRequest{InventoryID: id})
			r.later(func() {
				if err := r.link.SendToAuthority(context.Background(), pkt); err != nil {
					r.logger.Warn("resubscribe failed", zap.Int64("inventory_id", id), zap.Error(err))
				}
			})
		}
	}
	return fmt.Errorf("inventory: desync: %w", cause)
}
