package config

import (
	"fmt"
	"time"

	"github.com/kasuganosora/gridstash/cache"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Security  SecurityConfig  `mapstructure:"security"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
	// AdminIPs restricts /api/admin to these client IPs; empty allows any.
	AdminIPs []string `mapstructure:"admin_ips"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
	// SlowQuery is the duration above which a statement is logged at warn.
	SlowQuery time.Duration `mapstructure:"slow_query"`
}

// AuditConfig sizes the audit writer. Entries older than Retention are
// pruned hourly; zero keeps everything.
type AuditConfig struct {
	Buffer        int           `mapstructure:"buffer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Retention     time.Duration `mapstructure:"retention"`
}

// CacheConfig is decoded straight into the cache package's own settings.
type CacheConfig = cache.CacheConfig

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// WSPacketRPS throttles inbound packets per peer; 0 disables it.
	WSPacketRPS   float64 `mapstructure:"ws_packet_rps"`
	WSPacketBurst int     `mapstructure:"ws_packet_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// InventoryConfig drives the authority registry.
type InventoryConfig struct {
	// DataPath is the directory holding Items.json.
	DataPath string `mapstructure:"data_path"`
	// CurrencyPath names the coin definition; empty picks the first
	// definition flagged as currency.
	CurrencyPath string `mapstructure:"currency_path"`
	IDPolicy     string `mapstructure:"id_policy"` // monotonic | recycle

	// Every peer gets a personal bag with id BagBase+accountID when
	// BagWidth and BagHeight are positive.
	BagBase   int64 `mapstructure:"bag_base"`
	BagWidth  int   `mapstructure:"bag_width"`
	BagHeight int   `mapstructure:"bag_height"`

	Seed []SeedInventory `mapstructure:"seed"`

	ConsistencyInterval time.Duration `mapstructure:"consistency_interval"`
}

// SeedInventory is created on startup, typically a shop.
type SeedInventory struct {
	ID     int64      `mapstructure:"id"`
	Width  int        `mapstructure:"width"`
	Height int        `mapstructure:"height"`
	Shop   bool       `mapstructure:"shop"`
	Items  []SeedItem `mapstructure:"items"`
}

type SeedItem struct {
	Path     string `mapstructure:"path"`
	Count    int    `mapstructure:"count"`
	Infinite bool   `mapstructure:"infinite"`
}

// Reserved reports whether id falls in the personal bag range.
func (c InventoryConfig) Reserved(id int64) bool {
	return c.BagWidth > 0 && c.BagHeight > 0 && id >= c.BagBase
}

// BagID returns the personal inventory id of an account, or 0 when bags
// are disabled.
func (c InventoryConfig) BagID(accountID int64) int64 {
	if c.BagWidth <= 0 || c.BagHeight <= 0 {
		return 0
	}
	return c.BagBase + accountID
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/gridstash.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("cache.prefix", "gridstash:")
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.ws_packet_rps", 30)
	v.SetDefault("security.ws_packet_burst", 60)
	v.SetDefault("inventory.data_path", "./data")
	v.SetDefault("inventory.id_policy", "monotonic")
	v.SetDefault("inventory.bag_base", 1_000_000)
	v.SetDefault("inventory.bag_width", 8)
	v.SetDefault("inventory.bag_height", 6)
	v.SetDefault("inventory.consistency_interval", "1m")
	v.SetDefault("audit.buffer", 1024)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", "2s")
	v.SetDefault("audit.retention", "720h")

	v.SetEnvPrefix("GRIDSTASH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Mode {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unknown database.mode %q", c.Database.Mode)
	}
	switch c.Inventory.IDPolicy {
	case "", "monotonic", "recycle":
	default:
		return fmt.Errorf("config: unknown inventory.id_policy %q", c.Inventory.IDPolicy)
	}
	if c.Audit.BatchSize <= 0 || c.Audit.FlushInterval <= 0 {
		return fmt.Errorf("config: audit.batch_size and audit.flush_interval must be positive")
	}
	seen := make(map[int64]bool, len(c.Inventory.Seed))
	for _, s := range c.Inventory.Seed {
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("config: seed inventory %d needs a positive size", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: seed inventory %d listed twice", s.ID)
		}
		if c.Inventory.Reserved(s.ID) {
			return fmt.Errorf("config: seed inventory %d is in the bag range (bag_base %d)", s.ID, c.Inventory.BagBase)
		}
		seen[s.ID] = true
	}
	return nil
}
