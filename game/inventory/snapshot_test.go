package inventory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_WireFormat(t *testing.T) {
	cat := testCatalog(t)
	inv := NewInventory(7, Vec2{4, 2}, true)
	inv.addItem(&ItemInstance{ID: 3, Def: def(t, cat, pathSword), Count: 1, Position: Vec2{1, 0}, Rotated: true})
	inv.Hotbar[0] = 3
	inv.subscribe(10)

	data, err := Marshal(inv)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 7,
		"size": {"x": 4, "y": 2},
		"is_shop": true,
		"items": [{
			"inventory_id": 7,
			"instance_id": 3,
			"item_data_path": "items/sword",
			"count": 1,
			"grid_position": {"x": 1, "y": 0},
			"is_rotated": true,
			"infinite": false
		}]
	}`, string(data))

	back, err := Unmarshal(data, cat)
	require.NoError(t, err)
	assert.Empty(t, back.Hotbar, "hotbar is local")
	assert.Empty(t, back.Subscribers())
	require.Len(t, back.Items, 1)
	assert.Same(t, def(t, cat, pathSword), back.Items[0].Def)
	assert.Equal(t, Vec2{3, 1}, back.Items[0].Size())
}

func TestDecodeInventory_Errors(t *testing.T) {
	cat := testCatalog(t)

	_, err := DecodeInventory(InventoryDoc{ID: 1, Size: Vec2{2, 2}, Items: []ItemDoc{
		{InventoryID: 2, InstanceID: 1, ItemDataPath: pathGem, Count: 1},
	}}, cat)
	assert.Error(t, err, "item claims another inventory")

	_, err = DecodeInventory(InventoryDoc{ID: 1, Size: Vec2{2, 2}, Items: []ItemDoc{
		{InventoryID: 1, InstanceID: 1, ItemDataPath: pathGem, Count: 1},
		{InventoryID: 1, InstanceID: 1, ItemDataPath: pathGem, Count: 1, GridPosition: Vec2{1, 0}},
	}}, cat)
	assert.Error(t, err, "duplicate instance")

	_, err = DecodeItem(ItemDoc{InstanceID: 1, ItemDataPath: "items/gone"}, cat)
	assert.True(t, IsCode(err, CodeNotFound))

	_, err = Unmarshal([]byte("{"), cat)
	assert.Error(t, err)
}

func TestEncodeInventory_PreservesOrder(t *testing.T) {
	cat := testCatalog(t)
	inv := NewInventory(1, Vec2{4, 1}, false)
	for i, id := range []int64{9, 2, 5} {
		inv.addItem(&ItemInstance{ID: id, Def: def(t, cat, pathGem), Count: 1, Position: Vec2{i, 0}})
	}
	doc := EncodeInventory(inv)
	var ids []int64
	for _, it := range doc.Items {
		ids = append(ids, it.InstanceID)
	}
	assert.Equal(t, []int64{9, 2, 5}, ids)

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	back, err := Unmarshal(data, cat)
	require.NoError(t, err)
	assert.Equal(t, doc, EncodeInventory(back))
}
