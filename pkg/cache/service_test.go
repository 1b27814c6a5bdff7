package cache

import (
	"os"
	"path/filepath"
	"testing"
)

type ramBlob struct {
	Swappiness int `json:"swappiness"`
	ZramSizeMB int `json:"zramSizeMB"`
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var missing ramBlob
	found, err := s.Load(KeyRAMConfig, &missing)
	if err != nil || found {
		t.Fatalf("Load(missing) = %v, %v; want false, nil", found, err)
	}

	want := ramBlob{Swappiness: 100, ZramSizeMB: 2048}
	if err := s.Save(KeyRAMConfig, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var got ramBlob
	found, err = s.Load(KeyRAMConfig, &got)
	if err != nil || !found {
		t.Fatalf("Load() = %v, %v; want true, nil", found, err)
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	// A second instance sees the persisted document
	s2, err := New(Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if v := s2.Int("ram_config.swappiness", -1); v != 100 {
		t.Errorf("Int(ram_config.swappiness) = %d, want 100", v)
	}
}

func TestTypedAccessorsDefaults(t *testing.T) {
	s, err := New(Config{ConfigDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if s.Bool("toggles.dnd", true) != true {
		t.Error("Bool() on missing key should return default")
	}
	if s.String(KeyMode, "balance") != "balance" {
		t.Error("String() on missing key should return default")
	}

	if err := s.Save(KeyToggles, map[string]bool{"dnd": true, "esports": false}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !s.Bool("toggles.dnd", false) {
		t.Error("Bool(toggles.dnd) = false, want true")
	}
	if s.Bool("toggles.esports", true) {
		t.Error("Bool(toggles.esports) = true, want false")
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	s, err := New(Config{ConfigDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Delete("nope"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
	if !s.LastWrite().IsZero() {
		t.Error("Delete(missing) should not rewrite the file")
	}
}

func TestReloadPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Save(KeyMode, "battery"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "prefs.json"), []byte(`{"performance_mode":"performance"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := s.String(KeyMode, ""); got != "performance" {
		t.Errorf("String(mode) after reload = %q, want performance", got)
	}
	if keys := s.Keys(); len(keys) != 1 || keys[0] != KeyMode {
		t.Errorf("Keys() = %v, want [%s]", keys, KeyMode)
	}
}

func TestCorruptFileDoesNotBlockStartup(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prefs.json"), []byte(`{broken`), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(s.Keys()) != 0 {
		t.Errorf("Keys() = %v, want empty", s.Keys())
	}
	if err := s.Save(KeyMode, "balance"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got := s.String(KeyMode, ""); got != "balance" {
		t.Errorf("String(mode) = %q, want balance", got)
	}
}
