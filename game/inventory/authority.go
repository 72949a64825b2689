package inventory

import (
	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
)

// HandleMoveRequest validates and commits a move proposed by peer. The
// committed command is applied locally and fanned out to every subscriber
// of the source and target inventories.
func (r *Registry) HandleMoveRequest(peer PeerID, req MoveRequest) (*MoveCommand, error) {
	if !r.isAuthority() {
		return nil, errNotAuthority("move")
	}
	r.lock()
	defer r.unlock()

	p, err := r.planMove(req)
	if err == nil {
		err = p.validate(req)
	}
	if err != nil {
		r.logger.Debug("move rejected",
			zap.Int64("peer_id", peer),
			zap.Int64("item_id", req.ItemID),
			zap.Int64("target_inventory_id", req.TargetInventoryID),
			zap.Error(err))
		return nil, err
	}

	cmd := MoveCommand{MoveRequest: req, FreeID: r.ids.allocate(r.inUse)}
	r.crossSubscribe(p.src, p.dst)
	if err := r.applyMove(cmd, p); err != nil {
		r.logger.DPanic("validated move failed to apply", zap.Error(err))
		return nil, err
	}
	r.broadcast(protocol.MustPacket(protocol.TypeMove, cmd), p.src, p.dst)
	r.logger.Debug("move committed",
		zap.Int64("peer_id", peer),
		zap.Int64("item_id", req.ItemID),
		zap.Int64("from", p.src.ID),
		zap.Int64("to", p.dst.ID),
		zap.Int("count", req.Count),
		zap.Int64("free_id", cmd.FreeID))
	return &cmd, nil
}

// HandleSpawnRequest validates and commits a spawn proposed by peer.
func (r *Registry) HandleSpawnRequest(peer PeerID, req SpawnRequest) (*SpawnCommand, error) {
	if !r.isAuthority() {
		return nil, errNotAuthority("spawn")
	}
	r.lock()
	defer r.unlock()

	p, err := r.planSpawn(req)
	if err == nil {
		err = p.validate(req)
	}
	if err != nil {
		r.logger.Debug("spawn rejected",
			zap.Int64("peer_id", peer),
			zap.String("item_path", req.ItemPath),
			zap.Int64("inventory_id", req.InventoryID),
			zap.Error(err))
		return nil, err
	}

	cmd := SpawnCommand{SpawnRequest: req, FreshID: r.ids.allocate(r.inUse)}
	if err := r.applySpawn(cmd, p); err != nil {
		r.logger.DPanic("validated spawn failed to apply", zap.Error(err))
		return nil, err
	}
	r.broadcast(protocol.MustPacket(protocol.TypeSpawn, cmd), p.inv)
	r.logger.Debug("spawn committed",
		zap.Int64("peer_id", peer),
		zap.String("item_path", req.ItemPath),
		zap.Int64("inventory_id", req.InventoryID),
		zap.Int("count", req.Count),
		zap.Int64("fresh_id", cmd.FreshID))
	return &cmd, nil
}

// HandleDeleteRequest commits the removal of an item proposed by peer.
func (r *Registry) HandleDeleteRequest(peer PeerID, req DeleteRequest) (*DeleteCommand, error) {
	if !r.isAuthority() {
		return nil, errNotAuthority("delete")
	}
	r.lock()
	defer r.unlock()

	p, err := r.planDelete(req)
	if err != nil {
		return nil, err
	}
	r.applyDelete(p)
	cmd := DeleteCommand{ItemID: req.ItemID}
	r.broadcast(protocol.MustPacket(protocol.TypeDelete, cmd), p.inv)
	r.logger.Debug("delete committed",
		zap.Int64("peer_id", peer),
		zap.Int64("item_id", req.ItemID),
		zap.Int64("inventory_id", p.inv.ID))
	return &cmd, nil
}

// HandleSubscribe adds peer to an inventory and sends it a full snapshot.
// Subscribing again re-sends the snapshot, which is how replicas resync.
func (r *Registry) HandleSubscribe(peer PeerID, invID int64) (InventoryDoc, error) {
	if !r.isAuthority() {
		return InventoryDoc{}, errNotAuthority("subscribe")
	}
	r.lock()
	defer r.unlock()
	inv, err := r.inventory(invID)
	if err != nil {
		return InventoryDoc{}, err
	}
	return r.subscribeLocked(peer, inv), nil
}

// HandleUnsubscribe stops sending an inventory's commands to peer.
func (r *Registry) HandleUnsubscribe(peer PeerID, invID int64) error {
	if !r.isAuthority() {
		return errNotAuthority("unsubscribe")
	}
	r.lock()
	defer r.unlock()
	inv, err := r.inventory(invID)
	if err != nil {
		return err
	}
	inv.unsubscribe(peer)
	return nil
}

// DropPeer removes a disconnected peer from every subscriber set and
// returns how many inventories it was subscribed to.
func (r *Registry) DropPeer(peer PeerID) int {
	r.lock()
	defer r.unlock()
	n := 0
	for _, inv := range r.inventories {
		if inv.unsubscribe(peer) {
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("peer dropped from subscriptions",
			zap.Int64("peer_id", peer),
			zap.Int("inventories", n))
	}
	return n
}
