package cache

import "strconv"

// OnlinePeersKey is the set of account ids with a live websocket.
const OnlinePeersKey = "peers:online"

// HistoryLen bounds the per-inventory event history.
const HistoryLen = 50

// SessionKey is set at login and checked on every authenticated request.
func SessionKey(token string) string { return "session:" + token }

// LoginLockKey serialises auto-registration of one username.
func LoginLockKey(username string) string { return "login_lock:" + username }

// HistoryKey holds the most recent events of one inventory, newest first.
func HistoryKey(inventoryID int64) string {
	return "inventory_history:" + strconv.FormatInt(inventoryID, 10)
}
