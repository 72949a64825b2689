package inventory

import (
	"encoding/json"
	"fmt"

	"github.com/kasuganosora/gridstash/resource"
)

// Catalog resolves item definitions by path.
// *resource.ResourceLoader satisfies it.
type Catalog interface {
	Lookup(path string) (*resource.ItemDefinition, bool)
	Currency() *resource.ItemDefinition
}

// InventoryDoc is the full-state document shipped on subscribe.
// The hotbar is per-peer and never part of it.
type InventoryDoc struct {
	ID     int64     `json:"id"`
	Size   Vec2      `json:"size"`
	IsShop bool      `json:"is_shop"`
	Items  []ItemDoc `json:"items"`
}

// ItemDoc is one instance inside an InventoryDoc.
type ItemDoc struct {
	InventoryID  int64  `json:"inventory_id"`
	InstanceID   int64  `json:"instance_id"`
	ItemDataPath string `json:"item_data_path"`
	Count        int    `json:"count"`
	GridPosition Vec2   `json:"grid_position"`
	IsRotated    bool   `json:"is_rotated"`
	Infinite     bool   `json:"infinite"`
}

// EncodeItem converts an instance to its document form.
func EncodeItem(it *ItemInstance) ItemDoc {
	return ItemDoc{
		InventoryID:  it.InventoryID,
		InstanceID:   it.ID,
		ItemDataPath: it.Def.Path,
		Count:        it.Count,
		GridPosition: it.Position,
		IsRotated:    it.Rotated,
		Infinite:     it.Infinite,
	}
}

// EncodeInventory converts an inventory to its document form. Item order is
// preserved so placement stays deterministic on the decoding side.
func EncodeInventory(inv *Inventory) InventoryDoc {
	doc := InventoryDoc{
		ID:     inv.ID,
		Size:   inv.Size,
		IsShop: inv.IsShop,
		Items:  make([]ItemDoc, 0, len(inv.Items)),
	}
	for _, it := range inv.Items {
		doc.Items = append(doc.Items, EncodeItem(it))
	}
	return doc
}

// DecodeItem rebuilds an instance, resolving its definition through cat.
func DecodeItem(doc ItemDoc, cat Catalog) (*ItemInstance, error) {
	def, ok := cat.Lookup(doc.ItemDataPath)
	if !ok {
		return nil, errNoDefinition(doc.ItemDataPath)
	}
	return &ItemInstance{
		ID:          doc.InstanceID,
		InventoryID: doc.InventoryID,
		Def:         def,
		Count:       doc.Count,
		Position:    doc.GridPosition,
		Rotated:     doc.IsRotated,
		Infinite:    doc.Infinite,
	}, nil
}

// DecodeInventory rebuilds an inventory with an empty hotbar and no
// subscribers.
func DecodeInventory(doc InventoryDoc, cat Catalog) (*Inventory, error) {
	inv := NewInventory(doc.ID, doc.Size, doc.IsShop)
	seen := make(map[int64]struct{}, len(doc.Items))
	for _, d := range doc.Items {
		if d.InventoryID != doc.ID {
			return nil, fmt.Errorf("inventory: item %d claims inventory %d inside %d", d.InstanceID, d.InventoryID, doc.ID)
		}
		if _, dup := seen[d.InstanceID]; dup {
			return nil, fmt.Errorf("inventory: duplicate item %d in inventory %d", d.InstanceID, doc.ID)
		}
		seen[d.InstanceID] = struct{}{}
		it, err := DecodeItem(d, cat)
		if err != nil {
			return nil, err
		}
		inv.Items = append(inv.Items, it)
	}
	return inv, nil
}

// Marshal encodes inv as JSON.
func Marshal(inv *Inventory) ([]byte, error) {
	return json.Marshal(EncodeInventory(inv))
}

// Unmarshal decodes a JSON snapshot produced by Marshal.
func Unmarshal(data []byte, cat Catalog) (*Inventory, error) {
	var doc InventoryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("inventory: parse snapshot: %w", err)
	}
	return DecodeInventory(doc, cat)
}
