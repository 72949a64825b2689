package inventory

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// EventType names a committed change.
type EventType string

const (
	EventItemMoved          EventType = "item_moved"
	EventItemSpawned        EventType = "item_spawned"
	EventItemDeleted        EventType = "item_deleted"
	EventInventorySynced    EventType = "inventory_synced"
	EventInventoryDestroyed EventType = "inventory_destroyed"
	EventRequestRejected    EventType = "request_rejected"
)

// Event is published once per touched inventory after a mutation commits.
type Event struct {
	Type        EventType `json:"type"`
	InventoryID int64     `json:"inventory_id"`
	ItemID      int64     `json:"item_id,omitempty"`
	Count       int       `json:"count,omitempty"`
	Request     string    `json:"request,omitempty"`
	Code        Code      `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// EventPublisher is the message bus events are pushed to.
// cache.PubSub satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// Channel is the bus channel carrying events for one inventory.
func Channel(inventoryID int64) string {
	return "inventory:" + itoa(inventoryID)
}

// emit queues ev for delivery once the registry lock is released.
func (r *Registry) emit(ev Event) {
	r.later(func() { r.deliver(ev) })
}

func (r *Registry) deliver(ev Event) {
	for _, fn := range r.listenerList() {
		fn(ev)
	}
	if r.publisher == nil || ev.InventoryID == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.publisher.Publish(context.Background(), Channel(ev.InventoryID), string(data)); err != nil {
		r.logger.Warn("event publish failed",
			zap.String("type", string(ev.Type)),
			zap.Int64("inventory_id", ev.InventoryID),
			zap.Error(err))
	}
}

// emitTouched emits one event of type t for each distinct inventory.
func (r *Registry) emitTouched(t EventType, itemID int64, count int, inventories ...*Inventory) {
	seen := make(map[int64]bool, len(inventories))
	for _, inv := range inventories {
		if inv == nil || seen[inv.ID] {
			continue
		}
		seen[inv.ID] = true
		r.emit(Event{Type: t, InventoryID: inv.ID, ItemID: itemID, Count: count})
	}
}
