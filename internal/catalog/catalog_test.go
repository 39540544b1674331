package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_SeedsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "product_config.json")

	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("default catalog was not written: %v", err)
	}
	if it := c.ActiveItem(); it.ID == "unknown" {
		t.Errorf("seeded catalog has no active item: %+v", it)
	}
}

func TestActiveItem_FallsBackToFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "product_config.json")
	body := `{"items":[{"id":"a","name":"A","listed_price":10,"bottom_price":8}],"active_item_id":"gone"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if it := c.ActiveItem(); it.ID != "a" {
		t.Errorf("got %q, want fallback to first item", it.ID)
	}
}

func TestSetAvailabilityNote_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "product_config.json")

	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.SetAvailabilityNote("weekends only"); err != nil {
		t.Fatalf("set note: %v", err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := c2.Snapshot().AvailabilityNote; got != "weekends only" {
		t.Errorf("note = %q, want persisted value", got)
	}
}

func TestReload_KeepsOldDataOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "product_config.json")

	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	before := c.Snapshot()

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err == nil {
		t.Error("reload of malformed file should error")
	}
	if got := c.Snapshot(); got.Location != before.Location {
		t.Errorf("bad reload clobbered data: %+v", got)
	}
}
