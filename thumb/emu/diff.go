package emu

import (
	"fmt"

	"github.com/colorfulnotion/silhouette/thumb"
	"golang.org/x/exp/slices"
)

// Diff lists how got departs from want after both ran from the same state.
// Registers in ignore may differ; cpsr in ignore skips the flags. Every byte
// want stored must hold the same value in got. Extra bytes got stored must
// lie below its final sp, where only dead spill slots live.
func Diff(want, got *Machine, ignore thumb.RegSet) []string {
	var out []string
	for i := 0; i < 15; i++ {
		r := thumb.R0 + thumb.Reg(i)
		if ignore.Has(r) {
			continue
		}
		if want.R[i] != got.R[i] {
			out = append(out, fmt.Sprintf("%s: want %#x, got %#x", thumb.RegName(r), want.R[i], got.R[i]))
		}
	}
	if !ignore.Has(thumb.CPSR) {
		if want.N != got.N || want.Z != got.Z || want.C != got.C || want.V != got.V {
			out = append(out, fmt.Sprintf("flags: want %s, got %s", flagString(want), flagString(got)))
		}
	}
	for i := range want.S {
		if want.S[i] != got.S[i] {
			out = append(out, fmt.Sprintf("s%d: want %#x, got %#x", i, want.S[i], got.S[i]))
		}
	}

	wantMem, gotMem := want.Written(), got.Written()
	for _, a := range sortedAddrs(wantMem) {
		if v, ok := gotMem[a]; !ok || v != wantMem[a] {
			out = append(out, fmt.Sprintf("mem[%#x]: want %#02x, got %#02x (written=%v)", a, wantMem[a], v, ok))
		}
	}
	for _, a := range sortedAddrs(gotMem) {
		if _, ok := wantMem[a]; !ok && a >= got.R[13] {
			out = append(out, fmt.Sprintf("mem[%#x]: unexpected store above sp %#x", a, got.R[13]))
		}
	}

	switch {
	case (want.Transfer == nil) != (got.Transfer == nil):
		out = append(out, fmt.Sprintf("transfer: want %v, got %v", want.Transfer, got.Transfer))
	case want.Transfer != nil:
		if want.Transfer.Target != got.Transfer.Target || want.Transfer.Sym != got.Transfer.Sym {
			out = append(out, fmt.Sprintf("transfer: want %s, got %s", want.Transfer, got.Transfer))
		}
	}
	return out
}

func flagString(m *Machine) string {
	b := []byte("nzcv")
	for i, f := range []bool{m.N, m.Z, m.C, m.V} {
		if f {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

func sortedAddrs(mem map[uint32]byte) []uint32 {
	out := make([]uint32, 0, len(mem))
	for a := range mem {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
