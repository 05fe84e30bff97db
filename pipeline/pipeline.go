// Package pipeline runs the configured passes over every function of a
// module, one function at a time and in a fixed order.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/instrument"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/passes/cfi"
	"github.com/colorfulnotion/silhouette/passes/overhead"
	"github.com/colorfulnotion/silhouette/passes/scanner"
	"github.com/colorfulnotion/silhouette/passes/sfi"
	"github.com/colorfulnotion/silhouette/passes/shadowstack"
	"github.com/colorfulnotion/silhouette/passes/strt"
	"github.com/colorfulnotion/silhouette/storage"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
	"github.com/colorfulnotion/silhouette/thumb/liveness"
)

const tracerName = "github.com/colorfulnotion/silhouette/pipeline"

type Pipeline struct {
	cfg      config.Config
	passes   []instrument.Pass
	overhead *overhead.Pass
	tracer   trace.Tracer
}

type Option func(*Pipeline)

// WithTracerProvider replaces the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(tracerName) }
}

// New validates cfg and builds its passes. Passes the configuration turns
// off are left out.
func New(cfg config.Config, sink *telemetry.Sink, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{cfg: cfg, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(p)
	}
	for _, name := range cfg.Passes {
		switch name {
		case config.PassScanner:
			p.passes = append(p.passes, scanner.New(cfg, sink))
		case config.PassCFI:
			if cfg.CFI != config.CFINone {
				p.passes = append(p.passes, cfi.New(cfg, sink))
			}
		case config.PassShadowStack:
			if cfg.ShadowStack {
				p.passes = append(p.passes, shadowstack.New(cfg, sink))
			}
		case config.PassStores:
			switch cfg.Stores {
			case config.StoresSTRT:
				p.passes = append(p.passes, strt.New(cfg, sink))
			case config.StoresSFI:
				p.passes = append(p.passes, sfi.New(cfg, sink))
			}
		case config.PassOverhead:
			p.overhead = overhead.New(cfg, sink)
			p.passes = append(p.passes, p.overhead)
		}
	}
	return p, nil
}

// Passes names the passes in the order they run.
func (p *Pipeline) Passes() []string {
	out := make([]string, len(p.passes))
	for i, ps := range p.passes {
		out[i] = ps.Name()
	}
	return out
}

// Result collects what one run measured.
type Result struct {
	Functions int
	Skipped   int
	// Sizes has one entry per function and size-changing pass.
	Sizes    []storage.SizeEntry
	Overhead overhead.Totals
	Elapsed  time.Duration
}

// Record stores the sizes of r under run.
func (r *Result) Record(s *storage.SizeStore, run storage.Run) error {
	if err := s.BeginRun(run); err != nil {
		return err
	}
	entries := make([]storage.SizeEntry, len(r.Sizes))
	for i, e := range r.Sizes {
		e.Run = run.ID
		entries[i] = e
	}
	return s.PutSizes(entries)
}

// Run rewrites every function of m in place. The first error aborts the
// whole module.
func (p *Pipeline) Run(ctx context.Context, m *thumb.Module) (*Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("profile", p.cfg.Name),
		attribute.Int("functions", len(m.Functions)),
		attribute.StringSlice("passes", p.Passes()),
	))
	defer span.End()

	res := &Result{}
	for _, fn := range m.Functions {
		if !p.cfg.Instruments(fn.Name, fn.Section) {
			log.Debug(log.PipelineMonitoring, "function left unchanged", "fn", fn.Name)
			res.Skipped++
			continue
		}
		sizes, err := p.RunFunction(ctx, fn)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		res.Functions++
		res.Sizes = append(res.Sizes, sizes...)
	}
	if p.overhead != nil {
		res.Overhead = p.overhead.Totals()
	}
	res.Elapsed = time.Since(start)
	log.Info(log.PipelineMonitoring, "module rewritten", "functions", res.Functions, "skipped", res.Skipped, "elapsed", res.Elapsed)
	return res, nil
}

// RunFunction runs every pass over fn, verifying the conditional blocks
// after each one when verification is on.
func (p *Pipeline) RunFunction(ctx context.Context, fn *thumb.Function) ([]storage.SizeEntry, error) {
	ctx, span := p.tracer.Start(ctx, "function", trace.WithAttributes(attribute.String("fn", fn.Name)))
	defer span.End()

	liveness.Compute(fn)
	var sizes []storage.SizeEntry
	for _, ps := range p.passes {
		old := fn.Size()
		if err := p.runPass(ctx, ps, fn); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if n := fn.Size(); n != old {
			sizes = append(sizes, storage.SizeEntry{Pass: ps.Name(), Func: fn.Name, Old: old, New: n})
		}
	}
	span.SetAttributes(attribute.Int("size", fn.Size()))
	return sizes, nil
}

func (p *Pipeline) runPass(ctx context.Context, ps instrument.Pass, fn *thumb.Function) error {
	ctx, span := p.tracer.Start(ctx, ps.Name())
	defer span.End()
	if err := ps.Run(ctx, fn); err != nil {
		return fmt.Errorf("%s: %w", ps.Name(), err)
	}
	if p.cfg.Verify {
		if err := itblock.VerifyFunction(fn); err != nil {
			return fmt.Errorf("%s: verify %s: %w", ps.Name(), fn.Name, err)
		}
	}
	log.Trace(log.PipelineMonitoring, "pass done", "pass", ps.Name(), "fn", fn.Name, "size", fn.Size())
	return nil
}
