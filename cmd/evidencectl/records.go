package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// ── record ───────────────────────────────────────────────────────────────────

type recordOptions struct {
	digestHex string
	ledgers   []string
	batched   bool
	submitter string
	meta      []string
}

var recordOpts recordOptions

var recordCmd = &cobra.Command{
	Use:   "record [file]",
	Short: "Record the digest of a file (or --digest) for anchoring",
	Long: `record hashes a file locally with SHA-256 and stores only the digest.
Use --digest to record a digest computed elsewhere.

  evidencectl record contract.pdf --ledger solana --ledger etherlink --meta case=1234
  evidencectl record --digest 9f86d08... --batched`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.record(ctx, args, recordOpts)
		})
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordOpts.digestHex, "digest", "", "Hex SHA-256 digest instead of a file")
	recordCmd.Flags().StringSliceVar(&recordOpts.ledgers, "ledger", []string{string(evidence.LedgerSolana)}, "Ledger to anchor on (repeatable)")
	recordCmd.Flags().BoolVar(&recordOpts.batched, "batched", false, "Anchor through a Merkle batch instead of per-record transactions")
	recordCmd.Flags().StringVar(&recordOpts.submitter, "submitter", Operator, "Submitter recorded in custody")
	recordCmd.Flags().StringArrayVar(&recordOpts.meta, "meta", nil, "Metadata key=value (repeatable)")
	rootCmd.AddCommand(recordCmd)
}

func (a *app) record(ctx context.Context, args []string, opts recordOptions) error {
	d, err := resolveDigest(args, opts.digestHex)
	if err != nil {
		return err
	}
	meta, err := parseMeta(opts.meta)
	if err != nil {
		return err
	}

	req := evidence.CreateRequest{
		Digest:    d,
		Submitter: opts.submitter,
		Metadata:  meta,
		Batched:   opts.batched,
	}
	if !opts.batched {
		for _, l := range opts.ledgers {
			req.Ledgers = append(req.Ledgers, evidence.Ledger(l))
		}
	}

	rec, err := a.store.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if _, err := a.journal.Append(ctx, rec.ID.String(), "", custody.ActionRecorded, opts.submitter,
		map[string]any{"digest": rec.Digest.Hex(), "batched": rec.Batched}); err != nil {
		a.logger.Warn("journal record", zap.Error(err))
	}

	return a.emit(rec, func(w io.Writer) {
		okColor.Fprintf(w, "recorded %s\n", rec.ID)
		printRecord(w, rec)
	})
}

func resolveDigest(args []string, digestHex string) (digest.Digest, error) {
	switch {
	case digestHex != "" && len(args) > 0:
		return digest.Digest{}, errors.New("pass a file or --digest, not both")
	case digestHex != "":
		return digest.Parse(digestHex)
	case len(args) == 1:
		f, err := os.Open(args[0])
		if err != nil {
			return digest.Digest{}, err
		}
		defer f.Close()
		return digest.SumReader(f)
	}
	return digest.Digest{}, errors.New("a file or --digest is required")
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status <record-id|digest>",
	Short: "Show a record and its anchors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.status(ctx, args[0])
		})
	},
}

func init() { rootCmd.AddCommand(statusCmd) }

func (a *app) status(ctx context.Context, ref string) error {
	recs, err := a.lookup(ctx, ref)
	if err != nil {
		return err
	}
	return a.emit(recs, func(w io.Writer) {
		for i, rec := range recs {
			if i > 0 {
				fmt.Fprintln(w)
			}
			printRecord(w, rec)
		}
	})
}

// lookup resolves a record ID or a digest to records.
func (a *app) lookup(ctx context.Context, ref string) ([]*evidence.Record, error) {
	if id, err := uuid.Parse(ref); err == nil {
		rec, err := a.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		return []*evidence.Record{rec}, nil
	}
	d, err := digest.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%q is neither a record ID nor a digest", ref)
	}
	recs, err := a.store.FindByDigest(ctx, d)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("digest %s: %w", d, evidence.ErrNotFound)
	}
	return recs, nil
}

func printRecord(w io.Writer, rec *evidence.Record) {
	fmt.Fprintf(w, "Record:    %s\n", rec.ID)
	fmt.Fprintf(w, "Digest:    %s (%s)\n", rec.Digest, rec.Algorithm)
	fmt.Fprintf(w, "State:     %s\n", stateColor(rec.State).Sprint(rec.State))
	fmt.Fprintf(w, "Submitter: %s\n", rec.Submitter)
	fmt.Fprintf(w, "Created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.Batched {
		if rec.BatchID == "" {
			fmt.Fprintln(w, "Batch:     waiting to be sealed")
		} else {
			fmt.Fprintf(w, "Batch:     %s (%d proof steps)\n", rec.BatchID, len(rec.Proof))
		}
	}
	for k, v := range rec.Metadata {
		fmt.Fprintf(w, "  %s = %s\n", k, v)
	}
	if len(rec.Anchors) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LEDGER\tSTATE\tATTEMPTS\tTX\tCONFIRMATIONS\tREASON")
	for _, an := range rec.Anchors {
		tx, confs := "-", "-"
		if an.Tx != nil {
			tx = an.Tx.TxID
			confs = fmt.Sprint(an.Tx.Confirmations)
		}
		reason := string(an.Reason)
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			an.Ledger, stateColor(an.State).Sprint(an.State), an.Attempts, tx, confs, reason)
	}
	tw.Flush()
}

// ── list ─────────────────────────────────────────────────────────────────────

var listFilter struct {
	state  string
	ledger string
	limit  int
	offset int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.list(ctx, evidence.Filter{
				State:  evidence.State(listFilter.state),
				Ledger: evidence.Ledger(listFilter.ledger),
				Limit:  listFilter.limit,
				Offset: listFilter.offset,
			})
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&listFilter.state, "state", "", "Only records in this state")
	listCmd.Flags().StringVar(&listFilter.ledger, "ledger", "", "Only records anchoring on this ledger")
	listCmd.Flags().IntVar(&listFilter.limit, "limit", 50, "Maximum rows")
	listCmd.Flags().IntVar(&listFilter.offset, "offset", 0, "Rows to skip")
	rootCmd.AddCommand(listCmd)
}

func (a *app) list(ctx context.Context, f evidence.Filter) error {
	recs, err := a.store.List(ctx, f)
	if err != nil {
		return err
	}
	return a.emit(recs, func(w io.Writer) {
		if len(recs) == 0 {
			fmt.Fprintln(w, "no records")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDIGEST\tSTATE\tLEDGERS\tCREATED")
		for _, rec := range recs {
			ledgers := make([]string, 0, len(rec.Anchors))
			for _, an := range rec.Anchors {
				ledgers = append(ledgers, string(an.Ledger))
			}
			if rec.Batched {
				ledgers = append(ledgers, "(batch)")
			}
			fmt.Fprintf(tw, "%s\t%s…\t%s\t%s\t%s\n",
				rec.ID, rec.Digest.Hex()[:16], stateColor(rec.State).Sprint(rec.State),
				strings.Join(ledgers, ","), rec.CreatedAt.Format(time.RFC3339))
		}
		tw.Flush()
	})
}

// ── retry ────────────────────────────────────────────────────────────────────

var retryLedger string

var retryCmd = &cobra.Command{
	Use:   "retry <record-id>",
	Short: "Return failed anchors to pending with a fresh attempt budget",
	Long: `retry moves failed anchors of a record back to pending and resets their
attempt count, for failures the keeper will not retry on its own
(submit_rejected, chain_rejected, max_attempts). Use --ledger to retry one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("record id: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.retry(ctx, id, evidence.Ledger(retryLedger))
		})
	},
}

func init() {
	retryCmd.Flags().StringVar(&retryLedger, "ledger", "", "Only retry this ledger")
	rootCmd.AddCommand(retryCmd)
}

func (a *app) retry(ctx context.Context, id uuid.UUID, only evidence.Ledger) error {
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}

	var retried []*evidence.Anchor
	for _, an := range rec.Anchors {
		if an.State != evidence.StateFailed || (only != "" && an.Ledger != only) {
			continue
		}
		updated, err := a.store.Transition(ctx, an.Key(), evidence.StateFailed, evidence.StatePending,
			evidence.Update{ResetAttempts: true})
		if errors.Is(err, evidence.ErrStaleState) {
			continue
		}
		if err != nil {
			return fmt.Errorf("retry %s: %w", an.Ledger, err)
		}
		if _, err := a.journal.Append(ctx, id.String(), string(an.Ledger), custody.ActionRetried, Operator,
			map[string]any{"previous_reason": an.Reason}); err != nil {
			a.logger.Warn("journal retry", zap.Error(err))
		}
		retried = append(retried, updated)
	}

	return a.emit(retried, func(w io.Writer) {
		if len(retried) == 0 {
			warnColor.Fprintln(w, "no failed anchors to retry")
			return
		}
		for _, an := range retried {
			okColor.Fprintf(w, "%s: pending\n", an.Ledger)
		}
	})
}
