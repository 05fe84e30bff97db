// Package overhead estimates what store demotion or masking would cost a
// build that does not rewrite stores.
package overhead

import (
	"context"
	"fmt"
	"sync"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/instrument"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/passes/sfi"
	"github.com/colorfulnotion/silhouette/passes/strt"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
)

// Estimate is the cost of one function.
type Estimate struct {
	Code   int // bytes before rewriting
	MemOps int // bytes of loads and stores
	Growth int // bytes the store pass adds
}

// Percent is the growth relative to the original size.
func (e Estimate) Percent() float64 {
	if e.Code == 0 {
		return 0
	}
	return float64(e.Growth) / float64(e.Code) * 100
}

type Totals struct {
	Functions int
	Estimate
}

type Pass struct {
	*instrument.Instrumentor
	mode config.StoreMode

	mu     sync.Mutex
	totals Totals
}

// New estimates the configured store family, or demotion when the build
// leaves stores alone.
func New(cfg config.Config, sink *telemetry.Sink) *Pass {
	mode := cfg.Stores
	if mode == config.StoresNone {
		mode = config.StoresSTRT
	}
	return &Pass{Instrumentor: instrument.New(cfg, sink, log.OverheadMonitoring, ""), mode: mode}
}

func (p *Pass) Name() string { return "overhead" }

// Mode is the store family being estimated.
func (p *Pass) Mode() config.StoreMode { return p.mode }

func (p *Pass) Run(ctx context.Context, fn *thumb.Function) error {
	if p.Skip(fn) {
		return nil
	}
	if p.Cfg.Stores != config.StoresNone && p.storesRanFirst() {
		log.Debug(p.Module, "stores already rewritten, nothing to estimate", "fn", fn.Name)
		return nil
	}
	e, err := p.Estimate(ctx, fn)
	if err != nil {
		log.Warn(p.Module, "estimate failed", "fn", fn.Name, "err", err)
		return nil
	}
	log.Info(p.Module, "memory access overhead", "fn", fn.Name, "mode", string(p.mode),
		"memops", e.MemOps, "total", e.Code, "growth", e.Growth, "pct", fmt.Sprintf("%.2f", e.Percent()))

	p.mu.Lock()
	p.totals.Functions++
	p.totals.Code += e.Code
	p.totals.MemOps += e.MemOps
	p.totals.Growth += e.Growth
	p.mu.Unlock()
	return nil
}

func (p *Pass) storesRanFirst() bool {
	for _, name := range p.Cfg.Passes {
		switch name {
		case config.PassStores:
			return true
		case config.PassOverhead:
			return false
		}
	}
	return false
}

// Estimate rewrites a clone of fn and measures the difference. fn is not
// touched.
func (p *Pass) Estimate(ctx context.Context, fn *thumb.Function) (Estimate, error) {
	e := Estimate{Code: fn.Size()}
	for _, mi := range fn.Instrs() {
		if mi.Op.Has(thumb.MayLoad) || mi.Op.Has(thumb.MayStore) {
			e.MemOps += mi.Size()
		}
	}
	cfg := p.Cfg
	cfg.Stores = p.mode
	var rw instrument.Pass
	switch p.mode {
	case config.StoresSFI:
		rw = sfi.New(cfg, nil)
	default:
		rw = strt.New(cfg, nil)
	}
	clone := fn.Clone()
	if err := rw.Run(ctx, clone); err != nil {
		return Estimate{}, err
	}
	e.Growth = clone.Size() - e.Code
	return e, nil
}

// Totals sums every function estimated so far.
func (p *Pass) Totals() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals
}
