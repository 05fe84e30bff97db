package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/silhouette/common"
	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/pipeline"
	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/storage"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/asm"
)

func newRunCmd() *cobra.Command {
	var (
		showDiff bool
		history  string
		output   string
	)
	var runCmd = &cobra.Command{
		Use:   "run <listing>",
		Short: "Rewrite a listing with the configured passes",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			m := mustListing(args[0])
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			flush, err := setupTracing(ctx)
			if err != nil {
				log.Crit(log.CLIMonitoring, "tracing", "err", err)
			}
			defer flush()

			res, before, err := rewrite(ctx, cfg, m, showDiff)
			if err != nil {
				flush()
				log.Crit(log.CLIMonitoring, "rewrite failed", "listing", args[0],
					"code", silerrors.GetErrorCode(err), "name", silerrors.GetErrorName(err), "err", err)
			}

			out := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					log.Crit(log.CLIMonitoring, "cannot create output", "path", output, "err", err)
				}
				defer f.Close()
				out = f
			}
			if err := asm.Print(out, m); err != nil {
				log.Crit(log.CLIMonitoring, "cannot write listing", "err", err)
			}
			if showDiff {
				for _, fn := range m.Functions {
					delta, err := pipeline.Delta(before[fn.Name], fn, false)
					if err != nil {
						log.Warn(log.CLIMonitoring, "diff failed", "fn", fn.Name, "err", err)
						continue
					}
					if delta != "" {
						fmt.Fprintf(os.Stderr, "------ %s ------\n%s\n", fn.Name, delta)
					}
				}
			}
			if history != "" {
				if err := recordHistory(history, cfg, res); err != nil {
					log.Error(log.CLIMonitoring, "size history not recorded", "dir", history, "err", err)
				}
			}
			if res.Overhead.Functions > 0 {
				log.Info(log.CLIMonitoring, "estimated store overhead", "functions", res.Overhead.Functions,
					"total", res.Overhead.Code, "growth", res.Overhead.Growth, "pct", fmt.Sprintf("%.2f", res.Overhead.Percent()))
			}
		},
	}
	runCmd.Flags().BoolVar(&showDiff, "diff", false, "print a JSON delta per changed function on stderr")
	runCmd.Flags().StringVar(&history, "history", "", "LevelDB directory to record sizes into")
	runCmd.Flags().StringVarP(&output, "output", "o", "", "write the listing here instead of stdout")
	return runCmd
}

// rewrite runs the pipeline over m. With keep set it first snapshots every
// function for diffing.
func rewrite(ctx context.Context, cfg config.Config, m *thumb.Module, keep bool) (*pipeline.Result, map[string]*thumb.Function, error) {
	before := map[string]*thumb.Function{}
	if keep {
		for _, fn := range m.Functions {
			before[fn.Name] = fn.Clone()
		}
	}
	sink, err := telemetry.NewSink(cfg.StatDir)
	if err != nil {
		return nil, nil, err
	}
	defer sink.Close()
	p, err := pipeline.New(cfg, sink)
	if err != nil {
		return nil, nil, err
	}
	res, err := p.Run(ctx, m)
	if err != nil {
		return nil, nil, err
	}
	return res, before, nil
}

func recordHistory(dir string, cfg config.Config, res *pipeline.Result) error {
	store, err := storage.NewSizeStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	started := time.Now().Add(-res.Elapsed)
	run := storage.Run{
		ID:      storage.NewRunID(started),
		Commit:  common.GetCommitHash(),
		Profile: cfg.Name,
		Started: started,
	}
	return res.Record(store, run)
}
