// silhouette rewrites Thumb-2 listings with store demotion or masking,
// forward-edge CFI and a shadow stack.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/colorfulnotion/silhouette/common"
	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/asm"
)

var (
	configID     string
	logLevel     string
	debug        string
	statDir      string
	otlpEndpoint string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "silhouette",
		Short: "Security rewriting for ARMv7-M Thumb-2 code",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			log.EnableModules(debug)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configID, "config", "c", "silhouette", fmt.Sprintf("profile %v or a YAML file", config.Profiles()))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn, error or crit")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "comma separated log modules to show trace and debug output for, or all")
	rootCmd.PersistentFlags().StringVar(&statDir, "stat-dir", "", "directory for code-size and gap stat files")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP collector host:port for pass traces")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			info := common.GetBuildInfo()
			fmt.Printf("silhouette %s (commit %s", info.Version, info.Commit)
			if info.Branch != "" {
				fmt.Printf(", branch %s", info.Branch)
			}
			fmt.Println(")")
		},
	}

	rootCmd.AddCommand(newRunCmd(), newDumpCmd(), newLivenessCmd(), newExecCmd(), newReportCmd(), versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the selected profile; --stat-dir wins over the file.
func loadConfig() config.Config {
	cfg, err := config.Read(configID)
	if err != nil {
		log.Crit(log.CLIMonitoring, "bad configuration", "config", configID, "err", err)
	}
	if statDir != "" {
		cfg.StatDir = statDir
	}
	return cfg
}

// readListing parses a listing file, or stdin for "-".
func readListing(path string) (*thumb.Module, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	m, err := asm.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func mustListing(path string) *thumb.Module {
	m, err := readListing(path)
	if err != nil {
		log.Crit(log.CLIMonitoring, "cannot read listing", "err", err)
	}
	return m
}

// setupTracing installs an OTLP exporter when an endpoint is given. The
// returned func flushes it.
func setupTracing(ctx context.Context) (func(), error) {
	if otlpEndpoint == "" {
		return func() {}, nil
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(otlpEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	info := common.GetBuildInfo()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "silhouette"),
			attribute.String("service.version", info.Version),
			attribute.String("vcs.commit", info.Commit),
		)),
	)
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn(log.CLIMonitoring, "trace flush failed", "err", err)
		}
	}, nil
}
