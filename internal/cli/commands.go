package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"offline-sync/internal/engine"
	"offline-sync/internal/models"
	"offline-sync/internal/offline"
)

// NewStatsCommand prints the daemon status snapshot.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show connectivity, pending counts and per-queue totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st offline.Status
			raw, err := newClient(rootOpts).call(cmd.Context(), http.MethodGet, "/status", &st)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			writeStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func writeStats(w io.Writer, st offline.Status) {
	network := "offline"
	if st.Online {
		network = "online"
	}
	last := "never"
	if st.LastSyncAt != nil {
		last = st.LastSyncAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%-11s%s\n", "profile:", st.Profile)
	fmt.Fprintf(w, "%-11s%s\n", "network:", network)
	fmt.Fprintf(w, "%-11s%s\n", "syncing:", yesNo(st.Syncing))
	fmt.Fprintf(w, "%-11s%d\n", "pending:", st.PendingCount)
	fmt.Fprintf(w, "%-11s%s\n", "last sync:", last)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-16s%-9s%-9s%-8s%s\n", "ENTITY", "PENDING", "SYNCING", "FAILED", "SYNCED")
	for _, t := range models.EntityTypes() {
		c, ok := st.Queues[t]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%-16s%-9d%-9d%-8d%d\n", t, c.Pending, c.Syncing, c.Failed, c.Synced)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

type queueView struct {
	Entity  models.EntityType       `json:"entity"`
	MaxLen  int                     `json:"max_len"`
	Pending int                     `json:"pending"`
	Records []models.MutationRecord `json:"records"`
}

// NewInspectCommand lists the records of one queue.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <entity>",
		Short: "List the queued records of one entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q queueView
			raw, err := newClient(rootOpts).call(cmd.Context(), http.MethodGet, "/queues/"+url.PathEscape(args[0]), &q)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			return writeQueue(cmd.OutOrStdout(), q)
		},
	}
}

func writeQueue(w io.Writer, q queueView) error {
	limit := "unbounded"
	if q.MaxLen > 0 {
		limit = strconv.Itoa(q.MaxLen)
	}
	fmt.Fprintf(w, "%s: %d pending, %d total, cap %s\n\n", q.Entity, q.Pending, len(q.Records), limit)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOP\tSTATUS\tRETRIES\tCREATED\tLAST ERROR")
	for _, rec := range q.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.Operation, rec.Status, rec.RetryCount,
			rec.CreatedAt.UTC().Format(time.RFC3339), rec.LastError)
	}
	return tw.Flush()
}

// NewRetryCommand resets failed records and runs a pass.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var minRetries int
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Reset failed records to pending and trigger a sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Reset   int            `json:"reset"`
				Outcome engine.Outcome `json:"outcome"`
			}
			raw, err := newClient(rootOpts).call(cmd.Context(), http.MethodPost, "/sync/retry"+minRetriesQuery(minRetries), &res)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed record(s)\n", res.Reset)
			writeOutcome(cmd.OutOrStdout(), res.Outcome)
			return nil
		},
	}
	cmd.Flags().IntVar(&minRetries, "min-retries", 0, "only reset records retried at least this many times")
	return cmd
}

// NewPurgeCommand drops failed records of one entity type.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var minRetries int
	cmd := &cobra.Command{
		Use:   "purge <entity>",
		Short: "Permanently drop failed records of one entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Purged int `json:"purged"`
			}
			path := "/queues/" + url.PathEscape(args[0]) + "/failed" + minRetriesQuery(minRetries)
			raw, err := newClient(rootOpts).call(cmd.Context(), http.MethodDelete, path, &res)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d failed %s record(s)\n", res.Purged, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&minRetries, "min-retries", 0, "only purge records retried at least this many times")
	return cmd
}

// NewSyncCommand triggers a pass.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out engine.Outcome
			raw, err := newClient(rootOpts).call(cmd.Context(), http.MethodPost, "/sync", &out)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			writeOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func writeOutcome(w io.Writer, out engine.Outcome) {
	if out.Skipped {
		fmt.Fprintf(w, "sync skipped: %s\n", out.Reason)
		return
	}
	fmt.Fprintf(w, "synced %d, failed %d, compacted %d\n", out.Synced, out.Failed, out.Compacted)
}

func minRetriesQuery(n int) string {
	if n <= 0 {
		return ""
	}
	return "?min_retries=" + strconv.Itoa(n)
}
