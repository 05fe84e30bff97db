package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/emu"
	"github.com/colorfulnotion/silhouette/thumb/liveness"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <listing>",
		Short: "Print the function, block and instruction tree",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			m := mustListing(args[0])
			fmt.Print(m.ToTree().String())
		},
	}
}

func newLivenessCmd() *cobra.Command {
	var fnName string
	var livenessCmd = &cobra.Command{
		Use:   "liveness <listing>",
		Short: "Print block live-ins and the free registers at every instruction",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			m := mustListing(args[0])
			for _, fn := range m.Functions {
				if fnName != "" && fn.Name != fnName {
					continue
				}
				liveness.Compute(fn)
				writeLiveness(os.Stdout, fn)
			}
		},
	}
	livenessCmd.Flags().StringVar(&fnName, "func", "", "only this function")
	return livenessCmd
}

func regList(rs []thumb.Reg) string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = thumb.RegName(r)
	}
	return strings.Join(names, ",")
}

func writeLiveness(w io.Writer, fn *thumb.Function) {
	fmt.Fprintf(w, "func %s\n", fn.Name)
	for _, b := range fn.Blocks {
		fmt.Fprintf(w, "block %s livein=%s liveout=%s\n", b.Name, b.LiveIns, liveness.LiveOuts(b))
		for _, mi := range b.Instrs() {
			free := liveness.FreeRegisters(mi, liveness.Options{AllowLR: true})
			flags := ""
			if liveness.FlagsLiveAfter(mi) {
				flags = " flags"
			}
			fmt.Fprintf(w, "  %-32s free=%s%s\n", mi.String(), regList(free), flags)
		}
	}
}

// parseSeeds reads r0=0x100 style register assignments.
func parseSeeds(seeds []string) (map[thumb.Reg]uint32, error) {
	out := map[thumb.Reg]uint32{}
	for _, s := range seeds {
		name, val, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("seed %q: want reg=value", s)
		}
		r, ok := thumb.ParseReg(strings.TrimSpace(name))
		if !ok || !(thumb.IsGPR(r) || thumb.IsSReg(r)) {
			return nil, fmt.Errorf("seed %q: unknown register", s)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		out[r] = uint32(v)
	}
	return out, nil
}

const defaultStackTop = 0x20008000

func newExecCmd() *cobra.Command {
	var (
		seeds     []string
		stepCalls bool
		maxSteps  int
	)
	var execCmd = &cobra.Command{
		Use:   "exec <listing> <func>",
		Short: "Run a function on the reference interpreter and print its writes",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			m := mustListing(args[0])
			fn := m.Function(args[1])
			if fn == nil {
				log.Crit(log.CLIMonitoring, "no such function", "func", args[1])
			}
			regs, err := parseSeeds(seeds)
			if err != nil {
				log.Crit(log.CLIMonitoring, "bad --reg", "err", err)
			}
			mach := emu.New()
			mach.R[13] = defaultStackTop
			mach.R[14] = emu.ReturnMarker
			for r, v := range regs {
				mach.SetReg(r, v)
			}
			mach.StepOverCalls = stepCalls
			mach.MaxSteps = maxSteps
			if err := mach.Run(fn); err != nil {
				log.Crit(log.CLIMonitoring, "execution failed", "func", fn.Name, "err", err)
			}
			writeTrace(os.Stdout, mach)
		},
	}
	execCmd.Flags().StringSliceVar(&seeds, "reg", nil, "initial register value, e.g. --reg r0=0x20000100 (repeatable)")
	execCmd.Flags().BoolVar(&stepCalls, "step-calls", false, "continue past calls instead of stopping at them")
	execCmd.Flags().IntVar(&maxSteps, "max-steps", emu.DefaultMaxSteps, "abort after this many instructions")
	return execCmd
}

func writeTrace(w io.Writer, m *emu.Machine) {
	for _, wr := range m.Writes {
		kind := "priv"
		if wr.Unprivileged {
			kind = "unpriv"
		}
		fmt.Fprintf(w, "write %#010x size=%d value=%#x %s sp=%#x\n", wr.Addr, wr.Size, wr.Value, kind, wr.SP)
	}
	for _, c := range m.Calls {
		fmt.Fprintf(w, "call %s\n", c.String())
	}
	for _, v := range m.Violations {
		fmt.Fprintf(w, "violation %s\n", v)
	}
	if m.Transfer != nil {
		fmt.Fprintf(w, "exit %s\n", m.Transfer.String())
	}
	for i := 0; i < 16; i++ {
		sep := " "
		if i%4 == 3 {
			sep = "\n"
		}
		fmt.Fprintf(w, "%-4s=%#010x%s", thumb.RegName(thumb.R0+thumb.Reg(i)), m.R[i], sep)
	}
	fmt.Fprintf(w, "steps=%d minsp=%#x\n", m.Steps, m.MinSP)
}
