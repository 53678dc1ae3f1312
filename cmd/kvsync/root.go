package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kvsync/internal/backend"
	"kvsync/internal/config"
	"kvsync/internal/kvstore"
	"kvsync/internal/logging"
	"kvsync/internal/oracle"
)

type rootOptions struct {
	configPath string
	dataDir    string
	backends   []string
	logLevel   string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "kvsync",
		Short: "Namespaced key-value stores checked against each other",
		Long: `kvsync reads and writes a namespaced key-value store. With more than
one backend configured every call goes to all of them and any
disagreement between backends is reported as an error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")
	cmd.PersistentFlags().StringSliceVar(&opts.backends, "backends", nil, "backends to use, primary first (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")

	cmd.AddCommand(
		newPutCommand(opts),
		newGetCommand(opts),
		newRemoveCommand(opts),
		newListCommand(opts),
		newDumpCommand(opts),
		newSimulateCommand(opts),
		newBackendsCommand(opts),
		newIdentityCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dataDir != "" {
		cfg.Store.DataDir = o.dataDir
	}
	if len(o.backends) > 0 {
		cfg.Store.Backends = o.backends
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logging.InitWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// openStore opens the configured backends under dir. Two or more are
// wrapped in an oracle whose violations come back as errors.
func (o *rootOptions) openStore(dir string) (kvstore.Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	names := o.cfg.Store.Backends
	if len(names) == 1 {
		return backend.Open(names[0], filepath.Join(dir, names[0]+"_store"), o.cfg.BackendOptions())
	}
	return oracle.OpenBackends(dir, names, o.cfg.BackendOptions(),
		oracle.WithViolationHandler(func(*oracle.Violation) {}))
}

// withStore runs fn against the store in the data directory.
func (o *rootOptions) withStore(fn func(kvstore.Store) error) (err error) {
	s, err := o.openStore(o.cfg.DataDir())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.Close(s); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(s)
}

var log = logging.For("cli")
