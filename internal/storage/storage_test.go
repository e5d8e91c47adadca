package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T, passphrase string) (*Storage, string) {
	t.Helper()

	tmpDir := t.TempDir()
	store, err := New(&Config{DataDir: tmpDir, Passphrase: passphrase})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, tmpDir
}

func TestNew(t *testing.T) {
	store, tmpDir := newTestStorage(t, "")

	dbPath := filepath.Join(tmpDir, DBName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")

	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
	if got := expandPath("/var/lib/htlcswap"); got != "/var/lib/htlcswap" {
		t.Errorf("expandPath(absolute) = %s", got)
	}
}

func TestStorageSchema(t *testing.T) {
	store, _ := newTestStorage(t, "")

	for _, table := range []string{"settings", "swaps"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
}

func TestStorageReopen(t *testing.T) {
	store, tmpDir := newTestStorage(t, "")
	if err := store.SetSetting("k", "v"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	store.Close()

	reopened, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() on existing database error = %v", err)
	}
	defer reopened.Close()

	if v, ok, err := reopened.GetSetting("k"); err != nil || !ok || v != "v" {
		t.Errorf("GetSetting() = %q, %v, %v", v, ok, err)
	}

	rows, err := reopened.DB().Query("SELECT name FROM pragma_table_info('swaps')")
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	defer rows.Close()
	seen := make(map[string]int)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		seen[name]++
	}
	for _, col := range []string{"eth_recipient", "eth_timeout", "btc_locktime"} {
		if seen[col] != 1 {
			t.Errorf("column %s appears %d times", col, seen[col])
		}
	}
}

func TestSettings(t *testing.T) {
	store, _ := newTestStorage(t, "")

	if _, ok, err := store.GetSetting("missing"); err != nil || ok {
		t.Fatalf("GetSetting(missing) = ok %v, err %v", ok, err)
	}

	if err := store.SetSetting("k", "v1"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := store.SetSetting("k", "v2"); err != nil {
		t.Fatalf("SetSetting() overwrite error = %v", err)
	}

	v, ok, err := store.GetSetting("k")
	if err != nil || !ok {
		t.Fatalf("GetSetting(k) = ok %v, err %v", ok, err)
	}
	if v != "v2" {
		t.Errorf("GetSetting(k) = %q, want v2", v)
	}
}

func TestPassphraseCheck(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(&Config{DataDir: tmpDir, Passphrase: "correct horse"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	store.Close()

	// Same passphrase reopens.
	store, err = New(&Config{DataDir: tmpDir, Passphrase: "correct horse"})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	store.Close()

	_, err = New(&Config{DataDir: tmpDir, Passphrase: "battery staple"})
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("wrong passphrase error = %v, want %v", err, ErrWrongPassphrase)
	}
}
