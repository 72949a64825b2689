package inventory

import (
	"context"

	"github.com/kasuganosora/gridstash/plugin/hook"
)

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -destination=mock_world_test.go -package=inventory . World

// World is the game-world collaborator. The authority calls it after a
// command commits; replicas never do.
type World interface {
	// MaterializeItem makes a deleted item reappear in the world.
	MaterializeItem(ctx context.Context, item ItemDoc) error
	// RemoveWorldItem removes the world representation picked up by a spawn.
	RemoveWorldItem(ctx context.Context, ref string) error
}

// HookWorld forwards world callbacks to plugin hooks.
type HookWorld struct {
	hc *hook.HookCenter
}

// NewHookWorld creates a World backed by hc.
func NewHookWorld(hc *hook.HookCenter) *HookWorld {
	return &HookWorld{hc: hc}
}

func (w *HookWorld) MaterializeItem(ctx context.Context, item ItemDoc) error {
	_, err := w.hc.Trigger(ctx, hook.OnItemMaterialize, item)
	return err
}

func (w *HookWorld) RemoveWorldItem(ctx context.Context, ref string) error {
	_, err := w.hc.Trigger(ctx, hook.OnWorldItemRemove, ref)
	return err
}

// Forward hands a committed event to OnInventoryEvent hooks. Register it
// with Registry.OnEvent.
func (w *HookWorld) Forward(ev Event) {
	_, _ = w.hc.Trigger(context.Background(), hook.OnInventoryEvent, ev)
}
