// Package scanner refuses code that writes privileged special registers.
// It never changes the function.
package scanner

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/instrument"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
)

// SYSm values of the v7-M special registers.
const (
	APSR       = 0
	IAPSR      = 1
	EAPSR      = 2
	XPSR       = 3
	IPSR       = 5
	EPSR       = 6
	IEPSR      = 7
	MSP        = 8
	PSP        = 9
	PRIMASK    = 16
	BASEPRI    = 17
	BASEPRIMAX = 18
	FAULTMASK  = 19
	CONTROL    = 20
)

var sysmNames = map[int64]string{
	APSR: "apsr", IAPSR: "iapsr", EAPSR: "eapsr", XPSR: "xpsr",
	IPSR: "ipsr", EPSR: "epsr", IEPSR: "iepsr", MSP: "msp", PSP: "psp",
	PRIMASK: "primask", BASEPRI: "basepri", BASEPRIMAX: "basepri_max",
	FAULTMASK: "faultmask", CONTROL: "control",
}

type Class int

const (
	Allowed Class = iota
	Privileged
	Unknown
)

func (c Class) String() string {
	switch c {
	case Allowed:
		return "allowed"
	case Privileged:
		return "privileged"
	}
	return "unknown"
}

// Classify sorts an msr destination by the low byte of its SYSm field.
func Classify(sysm int64) (Class, string) {
	sysm &= 0xff
	name, ok := sysmNames[sysm]
	switch {
	case !ok:
		return Unknown, fmt.Sprintf("sysm%d", sysm)
	case sysm == APSR:
		return Allowed, name
	}
	return Privileged, name
}

type Pass struct {
	*instrument.Instrumentor
}

func New(cfg config.Config, sink *telemetry.Sink) *Pass {
	return &Pass{instrument.New(cfg, sink, log.ScanMonitoring, "")}
}

func (p *Pass) Name() string { return "scanner" }

func (p *Pass) Run(ctx context.Context, fn *thumb.Function) error {
	if p.Skip(fn) {
		return nil
	}
	for _, mi := range fn.Instrs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if mi.Op != thumb.T2MSR_M {
			continue
		}
		class, reg := Classify(mi.Imm(0))
		switch class {
		case Allowed:
			log.Trace(p.Module, "msr to apsr", "fn", fn.Name)
		case Unknown:
			log.Warn(p.Module, "msr to unrecognised special register", "fn", fn.Name, "instr", mi.String(), "sysm", reg)
		case Privileged:
			log.Error(p.Module, "privileged instruction", "fn", fn.Name, "instr", mi.String(), "reg", reg)
			return fmt.Errorf("%s: %s writes %s: %w", fn.Name, mi, reg, silerrors.ErrPrivilegedInstruction)
		}
	}
	return nil
}
