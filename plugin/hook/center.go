// Package hook lets server extensions observe and veto lifecycle events:
// peers connecting, items leaving inventories for the world, committed
// inventory changes.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInterrupt signals that a handler wants to stop further processing.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn is a hook handler function. It returns the (possibly modified)
// data. Returning ErrInterrupt stops the chain; any other error is recorded
// and the chain goes on.
type HookFn func(ctx context.Context, event string, data interface{}) (interface{}, error)

type hookEntry struct {
	priority int
	name     string
	fn       HookFn
}

// HookCenter manages event hook registrations.
type HookCenter struct {
	mu    sync.RWMutex
	hooks map[string][]hookEntry
}

// NewHookCenter creates a new HookCenter.
func NewHookCenter() *HookCenter {
	return &HookCenter{hooks: make(map[string][]hookEntry)}
}

// Register adds fn for event. Lower priorities run first; equal priorities
// run in registration order. name identifies the hook for Unregister.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	entries := append(hc.hooks[event], hookEntry{priority: priority, name: name, fn: fn})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	hc.hooks[event] = entries
}

// Unregister removes the hooks named name from event, or from every event
// when event is empty.
func (hc *HookCenter) Unregister(event, name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for ev, entries := range hc.hooks {
		if event != "" && ev != event {
			continue
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.name != name {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(hc.hooks, ev)
		} else {
			hc.hooks[ev] = kept
		}
	}
}

// Registered lists the hook names for event in the order they run.
func (hc *HookCenter) Registered(event string) []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, len(hc.hooks[event]))
	for i, e := range hc.hooks[event] {
		names[i] = e.name
	}
	return names
}

// Trigger runs the hooks for event in order, threading data through them.
// It stops at the first ErrInterrupt and returns it. Other handler errors,
// including panics, are joined and returned after the chain completes.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data interface{}) (interface{}, error) {
	hc.mu.RLock()
	entries := append([]hookEntry(nil), hc.hooks[event]...)
	hc.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		out, err := call(ctx, e, event, data)
		if errors.Is(err, ErrInterrupt) {
			return out, err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", e.name, err))
			continue
		}
		data = out
	}
	return data, errors.Join(errs...)
}

func call(ctx context.Context, e hookEntry, event string, data interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = data, fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx, event, data)
}

// ---- Hook event names ----

const (
	OnPeerConnect     = "on_peer_connect"      // data: account id (int64)
	OnPeerDisconnect  = "on_peer_disconnect"   // data: account id (int64)
	OnInventoryEvent  = "on_inventory_event"   // data: inventory.Event
	OnItemMaterialize = "on_item_materialize"  // data: inventory.ItemDoc
	OnWorldItemRemove = "on_world_item_remove" // data: world reference string
)
