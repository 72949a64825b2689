package inventory

import (
	"github.com/kasuganosora/gridstash/resource"
)

// PeerID identifies a connected peer (its account id).
type PeerID = int64

// Vec2 is a grid cell coordinate or a width/height pair.
type Vec2 struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Add returns v+o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

// Swap returns v with its axes exchanged.
func (v Vec2) Swap() Vec2 { return Vec2{v.Y, v.X} }

// overlaps is the AABB test between two footprints.
func overlaps(posA, sizeA, posB, sizeB Vec2) bool {
	return posA.X < posB.X+sizeB.X && posA.X+sizeA.X > posB.X &&
		posA.Y < posB.Y+sizeB.Y && posA.Y+sizeA.Y > posB.Y
}

// ItemInstance is one stack of a definition living in exactly one inventory.
type ItemInstance struct {
	ID          int64
	InventoryID int64
	Def         *resource.ItemDefinition
	Count       int
	Position    Vec2
	Rotated     bool
	// Infinite marks shop stock that is never decremented or removed by moves.
	Infinite bool
}

func defSize(def *resource.ItemDefinition) Vec2 {
	return Vec2{def.Width, def.Height}
}

// Size is the footprint in the current orientation.
func (it *ItemInstance) Size() Vec2 {
	return sizeFor(it.Def, it.Rotated)
}

func sizeFor(def *resource.ItemDefinition, rotated bool) Vec2 {
	s := defSize(def)
	if rotated {
		return s.Swap()
	}
	return s
}

// Contains reports whether the cell p lies inside the item's footprint.
func (it *ItemInstance) Contains(p Vec2) bool {
	return overlaps(it.Position, it.Size(), p, Vec2{1, 1})
}

func (it *ItemInstance) sameKind(def *resource.ItemDefinition) bool {
	return it.Def.Path == def.Path
}

// Value is the total coin value of the stack.
func (it *ItemInstance) Value() int {
	return it.Count * it.Def.Value
}
