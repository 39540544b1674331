// Package catalog holds the seller's product configuration: the items for
// sale, their price floor, the pickup location, and the owner's
// availability note. The decision pipeline reads it on every batch, so
// edits (by hand or via SetAvailabilityNote) take effect immediately.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Item is one listed product.
type Item struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ListedPrice float64 `json:"listed_price"`
	BottomPrice float64 `json:"bottom_price"` // lowest acceptable offer
}

// Data is the serialized catalog document.
type Data struct {
	Items            []Item `json:"items"`
	ActiveItemID     string `json:"active_item_id"`
	Location         string `json:"location"`
	AvailabilityNote string `json:"availability_note"`
}

// Catalog is a concurrency-safe view over the catalog file.
type Catalog struct {
	mu   sync.RWMutex
	path string
	data Data
}

func defaultData() Data {
	return Data{
		Items: []Item{{
			ID:          "cable-1m",
			Name:        "Brand new Type c-c cable non braided 1m",
			ListedPrice: 4,
			BottomPrice: 3,
		}},
		ActiveItemID:     "cable-1m",
		Location:         "Richmond Public Library main branch (Brighouse)",
		AvailabilityNote: "Mon-Fri after 4pm",
	}
}

// Open loads the catalog file, seeding a default one if it doesn't exist.
func Open(path string) (*Catalog, error) {
	c := &Catalog{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.data = defaultData()
		if err := c.save(); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	if err := json.Unmarshal(data, &c.data); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return c, nil
}

// Reload re-reads the catalog file, keeping the old data on failure.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var parsed Data
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	c.mu.Lock()
	c.data = parsed
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current catalog document.
func (c *Catalog) Snapshot() Data {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := c.data
	out.Items = make([]Item, len(c.data.Items))
	copy(out.Items, c.data.Items)
	return out
}

// ActiveItem returns the currently listed item, falling back to the first
// item when active_item_id is stale.
func (c *Catalog) ActiveItem() Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, it := range c.data.Items {
		if it.ID == c.data.ActiveItemID {
			return it
		}
	}
	if len(c.data.Items) > 0 {
		return c.data.Items[0]
	}
	return Item{ID: "unknown", Name: "Item"}
}

// SetAvailabilityNote updates the owner's availability note and persists it.
func (c *Catalog) SetAvailabilityNote(note string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.AvailabilityNote = note
	return c.save()
}

// save writes the catalog atomically (temp file, then rename).
// Caller holds c.mu for writes.
func (c *Catalog) save() error {
	data, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "catalog-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, c.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
