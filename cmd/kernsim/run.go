package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tinykern/pkg/config"
	"tinykern/pkg/process"
	"tinykern/pkg/scenario"
	"tinykern/pkg/sim"
	"tinykern/pkg/trace"
)

// kernelFlags are the kernel settings that can be overridden per run.
type kernelFlags struct {
	quantum  int
	slots    int
	rate     int
	maxTicks uint64
}

func (f *kernelFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.quantum, "quantum", 0, "Ticks per dispatch (default from config)")
	fs.IntVar(&f.slots, "descriptor-slots", 0, "Task descriptors available (default from config)")
	fs.IntVar(&f.rate, "tick-rate", 0, "Timer ticks per second (default from config)")
	fs.Uint64Var(&f.maxTicks, "max-ticks", 0, "Stop after this many ticks (default from config)")
}

func (f *kernelFlags) apply(fs *pflag.FlagSet, c *config.Config) {
	if fs.Changed("quantum") {
		c.Kernel.Quantum = f.quantum
	}
	if fs.Changed("descriptor-slots") {
		c.Kernel.DescriptorSlots = f.slots
	}
	if fs.Changed("tick-rate") {
		c.Kernel.TicksPerSecond = f.rate
	}
	if fs.Changed("max-ticks") {
		c.Sim.MaxTicks = f.maxTicks
	}
}

func newRunCmd() *cobra.Command {
	var (
		kf         kernelFlags
		showEvents bool
	)
	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run a scenario and print a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kf.apply(cmd.Flags(), &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			s, err := scenario.Load(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
			defer stop()

			m, err := sim.New(ctx, cfg)
			if err != nil {
				return err
			}
			if err := m.Boot(); err != nil {
				return fmt.Errorf("boot: %w", err)
			}
			if err := m.Load(s); err != nil {
				return err
			}

			runID := trace.NewRunID()
			started := time.Now()
			report, runErr := m.Run(ctx)
			if report != nil {
				printReport(cmd.OutOrStdout(), runID, report)
				if showEvents {
					printEvents(cmd.OutOrStdout(), report)
				}
				if cfg.Trace.DBPath != "" {
					if err := saveRun(cmd, runID, started, report); err != nil {
						return err
					}
				}
			}
			return runErr
		},
	}
	kf.register(cmd.Flags())
	cmd.Flags().BoolVar(&showEvents, "events", false, "Print every scheduling event")
	return cmd
}

func saveRun(cmd *cobra.Command, runID string, started time.Time, r *sim.Report) error {
	ctx := commandContext(cmd)
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	run := trace.Run{
		ID:        runID,
		Scenario:  r.Scenario,
		Quantum:   r.Quantum,
		Ticks:     r.Ticks,
		Switches:  r.Switches,
		StartedAt: started,
	}
	if err := st.SaveRun(ctx, run, r.Events); err != nil {
		return fmt.Errorf("save trace: %w", err)
	}
	logger.Info("trace saved", "run_id", runID, "events", len(r.Events), "db", cfg.Trace.DBPath)
	return nil
}

func printReport(w io.Writer, runID string, r *sim.Report) {
	status := "finished"
	if !r.Finished {
		status = "stopped"
	}
	fmt.Fprintf(w, "Run %s: scenario %q %s after %s ticks (%s simulated)\n",
		runID, r.Scenario, status, humanize.Comma(int64(r.Ticks)), r.Elapsed)
	fmt.Fprintf(w, "Quantum %d, %s scheduling decisions, %s task switches\n\n",
		r.Quantum, humanize.Comma(int64(r.Decisions)), humanize.Comma(int64(r.Switches)))

	fmt.Fprintf(w, "%-5s  %-12s  %-12s  %-8s  %-9s  %-8s  %s\n", "PID", "NAME", "STATE", "STATUS", "SCHEDULED", "HANDLERS", "NOTES")
	fmt.Fprintf(w, "%-5s  %-12s  %-12s  %-8s  %-9s  %-8s  %s\n", "---", "----", "-----", "------", "---------", "--------", "-----")
	for _, p := range r.Processes {
		state := p.State.String()
		if p.Reaped {
			state += " (reaped)"
		}
		ws := "-"
		if p.State == process.StateDead {
			ws = fmt.Sprintf("%d", p.WaitStatus)
		}
		fmt.Fprintf(w, "%-5d  %-12s  %-12s  %-8s  %-9s  %-8d  %s\n",
			p.PID, p.Name, state, ws, humanize.Comma(int64(p.TimesScheduled)), p.Handlers, notes(p))
	}
}

func notes(p sim.ProcessReport) string {
	var parts []string
	if p.Signal != 0 {
		parts = append(parts, "killed by "+p.Signal.String())
	}
	if p.Interrupted > 0 {
		parts = append(parts, fmt.Sprintf("%s interrupted", humanize.Comma(int64(p.Interrupted))))
	}
	for _, r := range p.Reads {
		parts = append(parts, fmt.Sprintf("read %q", r))
	}
	for _, c := range p.Collected {
		parts = append(parts, fmt.Sprintf("collected %s=%d", c.Process, c.Status))
	}
	parts = append(parts, p.Errors...)
	return strings.Join(parts, ", ")
}

func printEvents(w io.Writer, r *sim.Report) {
	fmt.Fprintf(w, "\n%-8s  %-7s  %-5s  %s\n", "UPTIME", "KIND", "PID", "DETAIL")
	for _, e := range r.Events {
		fmt.Fprintf(w, "%-8d  %-7s  %-5d  %s\n", e.Uptime, e.Kind, e.PID, eventDetail(e))
	}
}
