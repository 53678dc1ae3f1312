package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kvsync/internal/backend"
	"kvsync/internal/identity"
	"kvsync/internal/kvstore"
)

func newPutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <primary> <secondary> <key> [value]",
		Short: "Write a value; reads stdin when no value is given",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 4 {
				data = []byte(args[3])
			} else {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("reading value: %w", err)
				}
			}
			return opts.withStore(func(s kvstore.Store) error {
				if err := s.Write(args[0], args[1], args[2], data); err != nil {
					return err
				}
				log.Debug("wrote", "primary", args[0], "secondary", args[1], "key", args[2], "bytes", len(data))
				return nil
			})
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "get <primary> <secondary> <key>",
		Short: "Print a value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(s kvstore.Store) error {
				data, err := s.Read(args[0], args[1], args[2])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asHex || (isTerminal(out) && !printable(data)) {
					_, err = io.WriteString(out, hex.Dump(data))
					return err
				}
				_, err = out.Write(data)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&asHex, "hex", "x", false, "print a hex dump")
	return cmd
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	var lazy bool
	cmd := &cobra.Command{
		Use:   "rm <primary> <secondary> <key>",
		Short: "Remove a key; removing a missing key succeeds",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(s kvstore.Store) error {
				return s.Remove(args[0], args[1], args[2], lazy)
			})
		},
	}
	cmd.Flags().BoolVar(&lazy, "lazy", false, "allow the backend to reclaim space later")
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <primary> [secondary]",
		Short: "List the keys of a namespace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secondary := ""
			if len(args) == 2 {
				secondary = args[1]
			}
			return opts.withStore(func(s kvstore.Store) error {
				keys, err := s.List(args[0], secondary)
				if err != nil {
					return err
				}
				slices.Sort(keys)
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}

func newDumpCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <primary> [secondary]",
		Short: "Print every record of a namespace as key and hex value",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secondary := ""
			if len(args) == 2 {
				secondary = args[1]
			}
			return opts.withStore(func(s kvstore.Store) error {
				records, err := kvstore.Snapshot(s, args[0], secondary)
				if err != nil {
					return err
				}
				keys := slices.Sorted(maps.Keys(records))
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%x\n", k, records[k])
				}
				return nil
			})
		},
	}
}

func newBackendsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List available backends; configured ones are marked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configured := opts.cfg.Store.Backends
			for _, name := range backend.Names() {
				mark := " "
				switch i := slices.Index(configured, name); {
				case i == 0:
					mark = "P"
				case i > 0:
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, name)
			}
			return nil
		},
	}
}

func newIdentityCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the node id, generating a key on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := identity.Load(opts.cfg.DataDir())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.NodeID)
			return nil
		},
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printable(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
