package inventory

// MoveRequest proposes moving Count units of an item to a target cell.
// Rotated is relative to the item's current orientation.
type MoveRequest struct {
	ItemID            int64 `json:"item_id"`
	TargetInventoryID int64 `json:"target_inventory_id"`
	Position          Vec2  `json:"position"`
	Rotated           bool  `json:"rotated"`
	Count             int   `json:"count"`
}

// MoveCommand is the committed move. FreeID is allocated by the authority
// before anything is mutated and names the instance a split or a sale
// creates; replicas never allocate ids themselves.
type MoveCommand struct {
	MoveRequest
	FreeID int64 `json:"free_id"`
}

// SpawnRequest proposes creating Count units of ItemPath in an inventory.
// DeleteRef names the world representation to remove once the spawn commits
// (a pickup); it is empty for spawns from nowhere.
type SpawnRequest struct {
	ItemPath    string `json:"item_path"`
	InventoryID int64  `json:"inventory_id"`
	DeleteRef   string `json:"delete_ref,omitempty"`
	Count       int    `json:"count"`
	Infinite    bool   `json:"infinite,omitempty"`
}

// SpawnCommand is the committed spawn.
type SpawnCommand struct {
	SpawnRequest
	FreshID int64 `json:"fresh_id"`
}

// DeleteRequest proposes removing an item. The committed command carries the
// same payload.
type DeleteRequest struct {
	ItemID int64 `json:"item_id"`
}

type DeleteCommand = DeleteRequest

// SubscribeRequest asks for (or gives up) an inventory's command stream.
type SubscribeRequest struct {
	InventoryID int64 `json:"inventory_id"`
}

// Teardown tells subscribers an inventory no longer exists.
type Teardown struct {
	InventoryID int64 `json:"inventory_id"`
}

// Rejection tells a requester why its proposal was dropped.
type Rejection struct {
	Request string `json:"request"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// RejectionFor builds the negative acknowledgement for err.
func RejectionFor(request string, err error) Rejection {
	rej := Rejection{Request: request, Code: GetCode(err), Message: err.Error()}
	if e, ok := err.(*Error); ok {
		rej.Message = e.Message
	}
	return rej
}
