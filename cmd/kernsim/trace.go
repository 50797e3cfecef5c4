package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tinykern/pkg/sched"
	"tinykern/pkg/trace"
)

var errNoTraceDB = errors.New("no trace database: set --trace-db or trace.db_path")

func openStore(ctx context.Context) (*trace.Store, error) {
	if cfg.Trace.DBPath == "" {
		return nil, errNoTraceDB
	}
	st, err := trace.OpenStore(cfg.Trace.DBPath, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate trace db: %w", err)
	}
	return st, nil
}

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newTraceListCmd(), newTraceShowCmd(), newTraceDeleteCmd())
	return cmd
}

func newTraceListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-40s  %-16s  %-8s  %-8s  %-8s  %s\n", "ID", "SCENARIO", "TICKS", "SWITCHES", "EVENTS", "STARTED")
			fmt.Fprintf(w, "%-40s  %-16s  %-8s  %-8s  %-8s  %s\n", "--", "--------", "-----", "--------", "------", "-------")
			for _, r := range runs {
				fmt.Fprintf(w, "%-40s  %-16s  %-8s  %-8s  %-8s  %s\n",
					r.ID, r.Scenario, humanize.Comma(int64(r.Ticks)), humanize.Comma(int64(r.Switches)),
					humanize.Comma(int64(r.EventCount)), humanize.Time(r.StartedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newTraceShowCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := st.Events(ctx, run.ID, sched.EventKind(kind))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run %s: scenario %q, quantum %d, %s ticks, started %s\n",
				run.ID, run.Scenario, run.Quantum, humanize.Comma(int64(run.Ticks)),
				run.StartedAt.Local().Format(time.DateTime))
			fmt.Fprintf(w, "\n%-8s  %-7s  %-5s  %s\n", "UPTIME", "KIND", "PID", "DETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%-8d  %-7s  %-5d  %s\n", e.Uptime, e.Kind, e.PID, eventDetail(e))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only show events of this kind (switch, wake, signal, reap)")
	return cmd
}

func newTraceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteRun(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func eventDetail(e sched.Event) string {
	switch e.Kind {
	case sched.EventSwitch:
		if e.Other == 0 {
			return "first dispatch"
		}
		return fmt.Sprintf("from %d", e.Other)
	case sched.EventWake:
		return e.Detail
	case sched.EventSignal:
		if e.Interrupted {
			return e.Detail + " (interrupted)"
		}
		return e.Detail
	case sched.EventReap:
		return fmt.Sprintf("status %d", e.Status)
	}
	return e.Detail
}
