package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Store.DataDir != "~/.kvsync" {
		t.Errorf("DataDir: got %q, want ~/.kvsync", cfg.Store.DataDir)
	}
	if !slices.Equal(cfg.Store.Backends, []string{"fs", "sqlite", "bolt"}) {
		t.Errorf("Backends: got %v", cfg.Store.Backends)
	}
	if cfg.Monitor.MaxPendingUpdates != 0 {
		t.Errorf("MaxPendingUpdates: got %d", cfg.Monitor.MaxPendingUpdates)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, `
[store]
data_dir = "/tmp/kvsync-test"
backends = ["sqlite", "bolt"]

[store.sqlite]
db_file = "node.sqlite"
table = "monitors"

[store.bolt]
db_file = "node.db"

[monitor]
max_pending_updates = 4

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir() != "/tmp/kvsync-test" {
		t.Errorf("DataDir: got %q", cfg.DataDir())
	}
	if !slices.Equal(cfg.Store.Backends, []string{"sqlite", "bolt"}) {
		t.Errorf("Backends: got %v", cfg.Store.Backends)
	}
	opts := cfg.BackendOptions()
	if opts.SQLiteFile != "node.sqlite" || opts.SQLiteTable != "monitors" || opts.BoltFile != "node.db" {
		t.Errorf("BackendOptions: got %+v", opts)
	}
	if cfg.Monitor.MaxPendingUpdates != 4 {
		t.Errorf("MaxPendingUpdates: got %d", cfg.Monitor.MaxPendingUpdates)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log: got %+v", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[log]\nlevel = \"warn\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Store.Backends) != 3 || cfg.Store.SQLite.Table != "kvsync_data" {
		t.Errorf("store defaults lost: %+v", cfg.Store)
	}
}

func TestLoadBadTOML(t *testing.T) {
	if _, err := Load(writeConfig(t, "{{invalid")); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestLoadUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "[store]\nbackend = [\"fs\"]\n"))
	if err == nil || !strings.Contains(err.Error(), "store.backend") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.toml")); err == nil {
		t.Fatal("an explicit missing path should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty data dir", func(c *Config) { c.Store.DataDir = " " }, "store.data_dir"},
		{"no backends", func(c *Config) { c.Store.Backends = nil }, "store.backends"},
		{"unknown backend", func(c *Config) { c.Store.Backends = []string{"fs", "tape"} }, "store.backends[1]"},
		{"duplicate backend", func(c *Config) { c.Store.Backends = []string{"fs", "fs"} }, "duplicate"},
		{"bad table", func(c *Config) { c.Store.SQLite.Table = "drop table" }, "store.sqlite.table"},
		{"sqlite path", func(c *Config) { c.Store.SQLite.DBFile = "a/b.sqlite" }, "store.sqlite.db_file"},
		{"bolt path", func(c *Config) { c.Store.Bolt.DBFile = "../x.db" }, "store.bolt.db_file"},
		{"negative pending", func(c *Config) { c.Monitor.MaxPendingUpdates = -1 }, "monitor.max_pending_updates"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateSingleBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Backends = []string{"bolt"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("a single backend is valid: %v", err)
	}
}

func TestValidateMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Backends = []string{"nope"}
	cfg.Log.Level = "loud"
	cfg.Monitor.MaxPendingUpdates = -3

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"store.backends[0]", "log.level", "monitor.max_pending_updates", "-3"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got, want := ExpandHome("~/foo/bar"), filepath.Join(home, "foo/bar"); got != want {
		t.Errorf("ExpandHome: got %q, want %q", got, want)
	}
	if got := ExpandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("ExpandHome: got %q, want /absolute/path", got)
	}
}
