package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/storage"
	"github.com/colorfulnotion/silhouette/telemetry"
)

func newReportCmd() *cobra.Command {
	var (
		chart   string
		history string
		fnName  string
	)
	var reportCmd = &cobra.Command{
		Use:   "report [stat-dir]",
		Short: "Summarize stat files, or the recorded size history",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if history != "" {
				if err := writeHistory(os.Stdout, history, fnName); err != nil {
					log.Crit(log.CLIMonitoring, "cannot read size history", "dir", history, "err", err)
				}
				return
			}
			dir := statDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				log.Crit(log.CLIMonitoring, "no stat directory given")
			}
			r, err := telemetry.Summarize(dir)
			if err != nil {
				log.Crit(log.CLIMonitoring, "cannot read stat files", "dir", dir, "err", err)
			}
			writeReport(os.Stdout, r)
			if chart != "" {
				f, err := os.Create(chart)
				if err != nil {
					log.Crit(log.CLIMonitoring, "cannot create chart", "path", chart, "err", err)
				}
				defer f.Close()
				if err := telemetry.RenderChart(f, r); err != nil {
					log.Crit(log.CLIMonitoring, "cannot render chart", "err", err)
				}
				log.Info(log.CLIMonitoring, "chart written", "path", chart)
			}
		},
	}
	reportCmd.Flags().StringVar(&chart, "chart", "", "write an HTML bar chart here")
	reportCmd.Flags().StringVar(&history, "history", "", "LevelDB directory written by run --history")
	reportCmd.Flags().StringVar(&fnName, "func", "", "with --history, one function across runs")
	return reportCmd
}

func writeReport(w io.Writer, r *telemetry.Report) {
	fmt.Fprintf(w, "%-24s %6s %10s %10s %8s\n", "file", "funcs", "old", "new", "growth")
	for _, s := range r.Sizes {
		fmt.Fprintf(w, "%-24s %6d %10d %10d %7.2f%%\n", s.File, s.Funcs, s.Old, s.New, s.Overhead()*100)
	}
	if len(r.JumpTables) > 0 {
		names := make([]string, 0, len(r.JumpTables))
		for fn := range r.JumpTables {
			names = append(names, fn)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "\njump-table branches left unguarded:\n")
		for _, fn := range names {
			fmt.Fprintf(w, "  %s: %d\n", fn, r.JumpTables[fn])
		}
	}
	if len(r.Gaps) > 0 {
		fmt.Fprintf(w, "\ngaps:\n")
		for _, g := range r.Gaps {
			fmt.Fprintf(w, "  %s %s %s\n", g.Func, g.Opcode, g.Reason)
		}
	}
}

func writeHistory(w io.Writer, dir, fn string) error {
	store, err := storage.NewSizeStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.Runs()
	if err != nil {
		return err
	}
	for _, run := range runs {
		var entries []storage.SizeEntry
		if fn != "" {
			all, err := store.History(fn)
			if err != nil {
				return err
			}
			for _, e := range all {
				if e.Run == run.ID {
					entries = append(entries, e)
				}
			}
		} else if entries, err = store.Sizes(run.ID); err != nil {
			return err
		}
		old, cur := 0, 0
		for _, e := range entries {
			old += e.Old
			cur += e.New
		}
		fmt.Fprintf(w, "%s %s %-18s commit=%s entries=%d old=%d new=%d\n",
			run.ID, run.Started.Format("2006-01-02T15:04:05"), run.Profile, run.Commit, len(entries), old, cur)
		if fn != "" {
			for _, e := range entries {
				fmt.Fprintf(w, "  %-12s %d -> %d\n", e.Pass, e.Old, e.New)
			}
		}
	}
	return nil
}
