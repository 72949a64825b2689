package resource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ---- Item catalog ----

// ItemDefinition is the static catalog entry for one kind of item.
// Instances reference it by Path; it is never mutated after Load.
type ItemDefinition struct {
	ID        int    `json:"id"`
	Path      string `json:"path"`
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	StackSize int    `json:"stackSize"`
	Value     int    `json:"value"`

	// Capability flags.
	Currency bool `json:"currency"` // counts toward coin totals, used as shop payment
	Pickup   bool `json:"pickup"`   // may exist as a world item
	Equip    bool `json:"equip"`    // may be bound to a hotbar slot

	Note string `json:"note"`
}

// Stackable reports whether more than one unit fits in a single instance.
func (d *ItemDefinition) Stackable() bool {
	return d.StackSize > 1
}

// ---- ResourceLoader ----

// ResourceLoader reads and holds the item catalog (Items.json).
type ResourceLoader struct {
	DataPath     string
	CurrencyPath string
	Items        []*ItemDefinition

	mu       sync.RWMutex
	byPath   map[string]*ItemDefinition
	currency *ItemDefinition
}

// NewLoader creates a ResourceLoader for the given data directory.
// currencyPath names the definition used for shop payments; when empty the
// first definition flagged as currency is used.
func NewLoader(dataPath, currencyPath string) *ResourceLoader {
	return &ResourceLoader{
		DataPath:     dataPath,
		CurrencyPath: currencyPath,
		byPath:       make(map[string]*ItemDefinition),
	}
}

// Load reads Items.json and indexes every definition by path.
func (rl *ResourceLoader) Load() error {
	items, err := loadJSONArray[ItemDefinition](rl.path("Items.json"))
	if err != nil {
		return err
	}
	return rl.Register(items...)
}

// Register adds definitions to the catalog. Nil entries are skipped
// (catalog files use 1-based ids with a leading null).
func (rl *ResourceLoader) Register(defs ...*ItemDefinition) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, d := range defs {
		if d == nil {
			continue
		}
		if d.Path == "" {
			return fmt.Errorf("resource: item %d has no path", d.ID)
		}
		if _, dup := rl.byPath[d.Path]; dup {
			return fmt.Errorf("resource: duplicate item path %q", d.Path)
		}
		if d.Width <= 0 {
			d.Width = 1
		}
		if d.Height <= 0 {
			d.Height = 1
		}
		if d.StackSize <= 0 {
			d.StackSize = 1
		}
		rl.byPath[d.Path] = d
		rl.Items = append(rl.Items, d)
	}
	rl.currency = rl.resolveCurrency()
	return nil
}

// Lookup returns the definition registered under path.
func (rl *ResourceLoader) Lookup(path string) (*ItemDefinition, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	d, ok := rl.byPath[path]
	return d, ok
}

// Currency returns the coin definition, or nil if the catalog has none.
func (rl *ResourceLoader) Currency() *ItemDefinition {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.currency
}

// Len returns the number of registered definitions.
func (rl *ResourceLoader) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.byPath)
}

func (rl *ResourceLoader) resolveCurrency() *ItemDefinition {
	if rl.CurrencyPath != "" {
		return rl.byPath[rl.CurrencyPath]
	}
	for _, d := range rl.Items {
		if d.Currency {
			return d
		}
	}
	return nil
}

func (rl *ResourceLoader) path(file string) string {
	return filepath.Join(rl.DataPath, file)
}

func loadJSONArray[T any](path string) ([]*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", path, err)
	}
	var arr []*T
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("resource: parse %s: %w", path, err)
	}
	return arr, nil
}
