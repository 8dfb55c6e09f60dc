package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	sentinel "github.com/i5heu/ouroboros-sentinel"
	"github.com/i5heu/ouroboros-sentinel/internal/config"
	"github.com/i5heu/ouroboros-sentinel/pkg/auditchain"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// errChainBroken makes verify exit non-zero on a broken
// chain.
var errChainBroken = errors.New("audit chain broken")

func newRootCmd() *cobra.Command {
	var path string
	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Inspect sentinel audit chains",
		Long: `auditctl reads the badger audit store written by the
sentinel engine.

Examples:
  auditctl verify --path /var/lib/sentinel/audit
  auditctl tail --path /var/lib/sentinel/audit -n 5
  auditctl integrity --config sentinel.yaml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&path, "path", "", "badger audit directory")

	root.AddCommand(newVerifyCmd(&path))
	root.AddCommand(newTailCmd(&path))
	root.AddCommand(newIntegrityCmd())
	return root
}

func openStore(path string) (*auditchain.BadgerStore, error) {
	if path == "" {
		return nil, errors.New("--path is required")
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return auditchain.OpenBadgerStore(auditchain.BadgerConfig{Path: path, Logger: log})
}

func newVerifyCmd(path *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every link of the chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(*path)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := auditchain.Verify(store)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !r.Valid {
				fmt.Fprintf(out, "BROKEN at %d after %d entries: %s\n", r.BrokenAt, r.Entries, r.Reason)
				return errChainBroken
			}
			fmt.Fprintf(out, "OK %d entries\n", r.Entries)
			return nil
		},
	}
}

func newTailCmd(path *string) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if n < 1 {
				return fmt.Errorf("-n must be positive, got %d", n)
			}
			store, err := openStore(*path)
			if err != nil {
				return err
			}
			defer store.Close()

			ring := make([]auditchain.Entry, 0, n)
			err = store.Iterate(func(e auditchain.Entry) error {
				if len(ring) == n {
					ring = ring[1:]
				}
				ring = append(ring, e)
				return nil
			})
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), ring)
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 10, "number of entries")
	return cmd
}

func printEntries(out io.Writer, entries []auditchain.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tOPERATION\tOUTCOME\tSCORE\tTIME\tLINK")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.4f\t%s\t%s\n",
			e.Sequence,
			e.OperationID,
			e.Outcome,
			e.Confidence.Score,
			e.Timestamp.Format(time.RFC3339),
			hex.EncodeToString(e.Link[:8]),
		)
	}
	return w.Flush()
}

func newIntegrityCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Build an engine from a config file and run its self-tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg, err := sentinel.ConfigFromFile(file)
			if err != nil {
				return err
			}
			eng, err := sentinel.New(cfg)
			if err != nil {
				if cfg.AuditStore != nil {
					cfg.AuditStore.Close()
				}
				return err
			}
			defer eng.Close()

			r, err := eng.IntegrityReport()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "primitive:   %s\n", status(r.PrimitiveOK, r.PrimitiveError))
			fmt.Fprintf(out, "redundancy:  %s (%d active slots)\n", status(r.RedundancyOK, r.RedundancyError), r.ActiveSlots)
			fmt.Fprintf(out, "baseline:    %.4f\n", r.Baseline)
			fmt.Fprintf(out, "audit chain: %s (%d entries)\n", status(r.ChainValid, ""), r.ChainEntries)
			if !r.Verified {
				return errors.New("integrity check failed")
			}
			fmt.Fprintln(out, "VERIFIED")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "sentinel.yaml", "engine config file")
	return cmd
}

func status(ok bool, reason string) string {
	switch {
	case ok:
		return "ok"
	case reason != "":
		return "FAIL " + reason
	default:
		return "FAIL"
	}
}
