package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kvsync/internal/backend"
	"kvsync/internal/kvstore"
	"kvsync/internal/scenario"
)

func newSimulateCommand(opts *rootOptions) *cobra.Command {
	var (
		script     string
		dir        string
		maxPending int
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a channel scenario with every node persisting to the configured backends",
		Long: `simulate plays a scripted session between payment-channel nodes. Each
node keeps its channel monitors in its own store, built from the
configured backends, and the persisted state is checked after every step.
Without --scenario the built-in lifecycle script is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := scenario.Canonical()
			if script != "" {
				var err error
				if sc, err = scenario.Load(script); err != nil {
					return err
				}
			}
			if dir == "" {
				tmp, err := os.MkdirTemp("", "kvsync-simulate-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				dir = tmp
			}
			if !cmd.Flags().Changed("max-pending") {
				maxPending = opts.cfg.Monitor.MaxPendingUpdates
			}

			stores := make(map[string]kvstore.Store, len(sc.Nodes))
			defer func() {
				for _, s := range stores {
					backend.Close(s)
				}
			}()
			for _, name := range sc.Nodes {
				s, err := opts.openStore(filepath.Join(dir, name))
				if err != nil {
					return fmt.Errorf("store for %s: %w", name, err)
				}
				stores[name] = s
			}

			var ropts []scenario.Option
			if maxPending > 0 {
				ropts = append(ropts, scenario.WithUpdatingPersister(maxPending))
			}
			report, err := scenario.Run(sc, stores, ropts...)
			if report != nil {
				if perr := report.Print(cmd.OutOrStdout()); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scenario %s: ok\n", sc.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&script, "scenario", "s", "", "scenario file (YAML)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory for node stores (default: a temporary directory)")
	cmd.Flags().IntVar(&maxPending, "max-pending", 0, "persist updates incrementally, consolidating every n (overrides config)")
	return cmd
}
