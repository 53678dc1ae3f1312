package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"kvsync/internal/backend"
	"kvsync/internal/kvstore/sqlstore"
	"kvsync/internal/logging"
)

type Config struct {
	Store   StoreConfig   `toml:"store"`
	Monitor MonitorConfig `toml:"monitor"`
	Log     LogConfig     `toml:"log"`
}

type StoreConfig struct {
	DataDir string `toml:"data_dir"`
	// Backends lists the stores to use; the first is the primary. Two or
	// more run behind the consistency oracle.
	Backends []string     `toml:"backends"`
	SQLite   SQLiteConfig `toml:"sqlite"`
	Bolt     BoltConfig   `toml:"bolt"`
}

type SQLiteConfig struct {
	DBFile string `toml:"db_file"`
	Table  string `toml:"table"`
}

type BoltConfig struct {
	DBFile string `toml:"db_file"`
}

type MonitorConfig struct {
	// MaxPendingUpdates > 0 persists monitor updates incrementally and
	// consolidates every that many updates. 0 rewrites the full record.
	MaxPendingUpdates int `toml:"max_pending_updates"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir:  "~/.kvsync",
			Backends: []string{backend.FS, backend.SQLite, backend.Bolt},
			SQLite: SQLiteConfig{
				DBFile: sqlstore.DefaultFileName,
				Table:  sqlstore.DefaultTableName,
			},
			Bolt: BoltConfig{DBFile: "kvsync.db"},
		},
		Monitor: MonitorConfig{MaxPendingUpdates: 0},
		Log:     LogConfig{Level: "info", Format: logging.FormatText},
	}
}

// DefaultPath is read by Load when no path is given.
const DefaultPath = "~/.kvsync/config.toml"

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, DefaultPath is tried and defaults are returned when it
// does not exist. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = ExpandHome(DefaultPath)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parsing config: unknown keys %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate reports every invalid field, each prefixed with its TOML path.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Store.DataDir) == "" {
		errs = append(errs, errors.New("store.data_dir: must not be empty"))
	}
	if len(c.Store.Backends) == 0 {
		errs = append(errs, errors.New("store.backends: at least one backend is required"))
	}
	seen := make(map[string]bool, len(c.Store.Backends))
	for i, name := range c.Store.Backends {
		switch {
		case backend.Lookup(name) == nil:
			errs = append(errs, fmt.Errorf("store.backends[%d]: unknown backend %q (available: %v)", i, name, backend.Names()))
		case seen[name]:
			errs = append(errs, fmt.Errorf("store.backends[%d]: duplicate backend %q", i, name))
		}
		seen[name] = true
	}
	if t := c.Store.SQLite.Table; t != "" && !sqlstore.ValidTableName(t) {
		errs = append(errs, fmt.Errorf("store.sqlite.table: %q is not a plain identifier", t))
	}
	if f := c.Store.SQLite.DBFile; strings.ContainsRune(f, filepath.Separator) {
		errs = append(errs, fmt.Errorf("store.sqlite.db_file: %q must be a file name, not a path", f))
	}
	if f := c.Store.Bolt.DBFile; strings.ContainsRune(f, filepath.Separator) {
		errs = append(errs, fmt.Errorf("store.bolt.db_file: %q must be a file name, not a path", f))
	}
	if n := c.Monitor.MaxPendingUpdates; n < 0 {
		errs = append(errs, fmt.Errorf("monitor.max_pending_updates: must not be negative, got %d", n))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := logging.CheckFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}
	return errors.Join(errs...)
}

// DataDir returns the data directory with ~/ expanded.
func (c *Config) DataDir() string {
	return ExpandHome(c.Store.DataDir)
}

// BackendOptions returns the per-backend settings.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		SQLiteFile:  c.Store.SQLite.DBFile,
		SQLiteTable: c.Store.SQLite.Table,
		BoltFile:    c.Store.Bolt.DBFile,
	}
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
