package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/scheduler"
	"github.com/rendis/e2ekit/pkg/schema"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Inspect and retry failed cleanups persisted by earlier runs",
	}
	cmd.AddCommand(
		newCleanupListCmd(opts),
		newCleanupRetryCmd(opts),
		newCleanupWatchCmd(opts),
	)
	return cmd
}

func newCleanupListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list [SESSION]",
		Short: "List persisted failed cleanups, or show one session's record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					rec, err := a.store.Get(ctx, args[0])
					if err != nil {
						return err
					}
					return writeJSON(out, rec)
				}

				recs, invalid, err := a.store.List(ctx)
				if err != nil {
					return err
				}
				for _, e := range invalid {
					a.logger.Warn("unreadable failed-cleanup record", "error", e.Error())
				}
				if asJSON {
					return writeJSON(out, recs)
				}
				writeRecordTable(out, recs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full records as JSON")
	return cmd
}

func newCleanupRetryCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "retry [SESSION]",
		Short: "Retry failed cleanups with freshly loaded credentials",
		Long: `Retry deletes what a persisted failed cleanup still lists. A fully
successful retry removes the record; a partial one rewrites it with only the
outstanding resources. Without SESSION every record is retried, oldest first.
Exits with status 2 when anything is left pending.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.retrier()
				if err != nil {
					return err
				}

				var outcomes []*cleanup.RetryOutcome
				if len(args) == 1 {
					out, err := r.Retry(ctx, args[0])
					if err != nil {
						return err
					}
					outcomes = append(outcomes, out)
				} else if outcomes, err = r.RetryAll(ctx); err != nil {
					return err
				}

				if asJSON {
					if err := writeJSON(cmd.OutOrStdout(), outcomes); err != nil {
						return err
					}
				} else {
					writeOutcomes(cmd.OutOrStdout(), outcomes)
				}
				for _, o := range outcomes {
					if !o.Resolved {
						return errPending
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print outcomes as JSON")
	return cmd
}

func newCleanupWatchCmd(opts *rootOptions) *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Retry failed cleanups on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.retrier()
				if err != nil {
					return err
				}
				if schedule == "" {
					schedule = a.cfg.RetrySchedule
				}
				s, err := scheduler.NewRetryScheduler(schedule, r, a.logger)
				if err != nil {
					return err
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := s.Start(ctx); err != nil {
					return err
				}
				a.logger.Info("watching failed cleanups", "schedule", schedule)
				<-ctx.Done()
				return s.Stop()
			})
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "5-field cron expression (default: retry_schedule setting)")
	return cmd
}

func writeRecordTable(w io.Writer, recs []*schema.FailedCleanupRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no failed cleanups")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTIMESTAMP\tPROVIDER\tPENDING\tFIRST ERROR")
	for _, rec := range recs {
		first := ""
		if len(rec.Errors) > 0 {
			first = rec.Errors[0]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			rec.SessionID, rec.Timestamp.Format(time.RFC3339), rec.Provider.Kind, len(rec.Resources), first)
	}
	_ = tw.Flush()
}

func writeOutcomes(w io.Writer, outcomes []*cleanup.RetryOutcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "no failed cleanups")
		return
	}
	for _, o := range outcomes {
		switch {
		case o.Resolved:
			fmt.Fprintf(w, "%s: resolved\n", o.SessionID)
		case o.Error != "":
			fmt.Fprintf(w, "%s: %d pending (%s)\n", o.SessionID, o.Remaining, o.Error)
		default:
			failed := []string{}
			if o.Result != nil {
				failed = o.Result.Failed
			}
			fmt.Fprintf(w, "%s: %d pending %s\n", o.SessionID, o.Remaining, strings.Join(failed, " "))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
