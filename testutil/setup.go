package testutil

import (
	"testing"

	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	dbadapter "github.com/kasuganosora/gridstash/db"
	"github.com/kasuganosora/gridstash/model"
	"github.com/kasuganosora/gridstash/resource"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: dbadapter.MemoryDSN,
	}, zap.NewNop())
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t testing.TB) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// Item paths registered by SetupCatalog.
const (
	PathCoin   = "items/coin"
	PathApple  = "items/apple"
	PathPotion = "items/potion"
	PathSword  = "items/sword"
	PathCrate  = "items/crate"
)

// SetupCatalog returns a catalog with a coin currency and a few items, the
// same shapes as data/Items.json.
func SetupCatalog(t testing.TB) *resource.ResourceLoader {
	t.Helper()
	cat := resource.NewLoader("", PathCoin)
	require.NoError(t, cat.Register(
		&resource.ItemDefinition{ID: 1, Path: PathCoin, Name: "Coin", Width: 1, Height: 1, StackSize: 100, Value: 1, Currency: true},
		&resource.ItemDefinition{ID: 2, Path: PathApple, Name: "Apple", Width: 1, Height: 1, StackSize: 10, Value: 5, Pickup: true},
		&resource.ItemDefinition{ID: 3, Path: PathPotion, Name: "Potion", Width: 1, Height: 2, StackSize: 5, Value: 25, Pickup: true},
		&resource.ItemDefinition{ID: 4, Path: PathSword, Name: "Sword", Width: 1, Height: 3, StackSize: 1, Value: 40, Pickup: true, Equip: true},
		&resource.ItemDefinition{ID: 5, Path: PathCrate, Name: "Crate", Width: 2, Height: 2, StackSize: 1, Value: 2},
	), "SetupCatalog: Register")
	return cat
}
