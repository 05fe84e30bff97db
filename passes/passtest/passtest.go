// Package passtest runs a listing before and after a rewrite on the
// emulator and compares the outcomes. It is imported by pass tests only.
package passtest

import (
	"testing"

	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/asm"
	"github.com/colorfulnotion/silhouette/thumb/emu"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	StackTop = 0x20001000
	Data     = 0x20000100
)

// Scratchable are the registers a leaf returning through lr may lose.
var Scratchable = thumb.MakeRegSet(thumb.R2, thumb.R3, thumb.R12)

// Seed is the start state every comparison uses: r0 and r6 point at data,
// r4 and r5 are small offsets, the rest hold recognisable patterns.
func Seed(m *emu.Machine) {
	m.R[0] = Data
	m.R[1] = 0x11223344
	m.R[2] = 0x55667788
	m.R[3] = 0x99aabbcc
	m.R[4] = 0x10
	m.R[5] = 0x20
	m.R[6] = Data + 0x200
	m.R[7] = 0x77
	for i := 8; i <= 12; i++ {
		m.R[i] = 0x80 + uint32(i)
	}
	m.R[13] = StackTop
	m.R[14] = 0x8001
	for i := range m.S {
		m.S[i] = 0x3f800000 + uint32(i)
	}
}

func Parse(t *testing.T, src string) *thumb.Function {
	t.Helper()
	mod, err := asm.ParseString(src)
	require.NoError(t, err)
	require.NotEmpty(t, mod.Functions)
	return mod.Functions[0]
}

// Exec runs fn from Seed, then applies tweak if given.
func Exec(t *testing.T, fn *thumb.Function, tweak func(*emu.Machine)) *emu.Machine {
	t.Helper()
	m := emu.New()
	Seed(m)
	if tweak != nil {
		tweak(m)
	}
	require.NoError(t, m.Run(fn), asm.FormatFunction(fn))
	return m
}

// Compare parses src, rewrites a clone, checks the IT structure of the
// result and that both versions end in the same state up to ignore.
func Compare(t *testing.T, src string, rewrite func(*thumb.Function) error, ignore thumb.RegSet, tweak func(*emu.Machine)) (want, got *emu.Machine, after *thumb.Function) {
	t.Helper()
	orig := Parse(t, src)
	after = orig.Clone()
	require.NoError(t, rewrite(after))
	require.NoError(t, itblock.VerifyFunction(after), asm.FormatFunction(after))
	want = Exec(t, orig, tweak)
	got = Exec(t, after, tweak)
	assert.Empty(t, emu.Diff(want, got, ignore), asm.FormatFunction(after))
	return want, got, after
}

// Ops lists the opcodes of b in order, skipping nothing.
func Ops(b *thumb.Block) []thumb.Opcode {
	var out []thumb.Opcode
	for _, mi := range b.Instrs() {
		out = append(out, mi.Op)
	}
	return out
}
