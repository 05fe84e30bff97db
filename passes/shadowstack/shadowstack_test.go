package shadowstack

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/passes/passtest"
	"github.com/colorfulnotion/silhouette/passes/sfi"
	"github.com/colorfulnotion/silhouette/passes/strt"
	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/emu"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ssConfig(off int64, unpriv bool) config.Config {
	cfg := config.Default()
	cfg.ShadowStack = true
	cfg.ShadowOffset = off
	cfg.ShadowUnprivileged = unpriv
	return cfg
}

func run(t *testing.T, cfg config.Config, src string) *thumb.Function {
	t.Helper()
	fn := passtest.Parse(t, src)
	require.NoError(t, New(cfg, nil).Run(context.Background(), fn))
	require.NoError(t, itblock.VerifyFunction(fn))
	return fn
}

// The body overwrites the saved lr slot on the ordinary stack.
const smashed = `
func f
block entry livein=r0,r4,lr
  frame-setup tPUSH r4, lr
  tSTRspi r0, sp, #1
  frame-destroy tPOP_RET r4, pc
end
`

func TestReturnThroughShadowCopy(t *testing.T) {
	before := passtest.Exec(t, passtest.Parse(t, smashed), nil)
	require.NotNil(t, before.Transfer)
	assert.Equal(t, uint32(passtest.Data), before.Transfer.Target)

	for _, off := range []int64{0, 4092, 4096, 14680064} {
		for _, unpriv := range []bool{false, true} {
			t.Run(fmt.Sprintf("off=%d/unpriv=%v", off, unpriv), func(t *testing.T) {
				fn := run(t, ssConfig(off, unpriv), smashed)
				m := passtest.Exec(t, fn, nil)
				require.NotNil(t, m.Transfer)
				assert.Equal(t, uint32(0x8001), m.Transfer.Target)
				assert.Equal(t, uint32(passtest.StackTop), m.R[13])
				assert.Equal(t, uint32(0x10), m.R[4], "callee-saved restored")
				assert.Empty(t, m.Violations)

				slot := uint32(passtest.StackTop) + uint32(off)
				assert.Equal(t, uint32(0x8001), m.Load(slot, 4))
				var shadow []emu.Write
				for _, w := range m.Writes {
					if w.Addr == slot {
						shadow = append(shadow, w)
					}
				}
				require.Len(t, shadow, 1)
				assert.Equal(t, unpriv, shadow[0].Unprivileged)

				for _, mi := range fn.Instrs() {
					if mi.Op.Has(thumb.MayStore) && mi.Op != thumb.TPUSH && mi.Op != thumb.TSTRspi {
						assert.True(t, mi.Has(thumb.ShadowStack), mi.String())
					}
				}
			})
		}
	}
}

func TestShadowShapes(t *testing.T) {
	fn := run(t, ssConfig(8, true), smashed)
	assert.Equal(t, []thumb.Opcode{
		thumb.T2STRT, thumb.TPUSH, thumb.TSTRspi, thumb.TPOP, thumb.TADDspi, thumb.T2LDRi12,
	}, passtest.Ops(fn.Entry()))
	pop := fn.Entry().Instrs()[3]
	assert.Equal(t, []thumb.Reg{thumb.R4}, pop.RegList())
	assert.True(t, pop.Has(thumb.FrameDestroy))

	fn = run(t, ssConfig(2048, false), smashed)
	assert.Equal(t, thumb.T2STRi12, fn.Entry().First().Op)
	assert.Equal(t, int64(2048), fn.Entry().First().Imm(2))
}

func TestPopOfPCOnlyIsReplaced(t *testing.T) {
	fn := run(t, ssConfig(16, false), `
func f
block entry livein=lr
  frame-setup tPUSH lr
  frame-destroy tPOP_RET pc
end
`)
	assert.Equal(t, []thumb.Opcode{thumb.T2STRi12, thumb.TPUSH, thumb.TADDspi, thumb.T2LDRi12}, passtest.Ops(fn.Entry()))
	m := passtest.Exec(t, fn, nil)
	assert.Equal(t, uint32(0x8001), m.Transfer.Target)
	assert.Equal(t, uint32(passtest.StackTop), m.R[13])
}

func TestTailCallReloadsLR(t *testing.T) {
	fn := run(t, ssConfig(64, false), `
func f
block entry livein=r0,r4,lr
  frame-setup tPUSH r4, lr
  tSTRspi r0, sp, #1
  frame-destroy tPOP r4, lr
  tTAILJMPd $g
end
`)
	m := passtest.Exec(t, fn, nil)
	require.NotNil(t, m.Transfer)
	assert.Equal(t, "g", m.Transfer.Sym)
	assert.Equal(t, uint32(0x8001), m.R[14])
	assert.Equal(t, uint32(passtest.StackTop), m.R[13])
}

func TestSetupSpillsWhenNothingIsFree(t *testing.T) {
	const live = "r0,r1,r2,r3,r4,r5,r6,r7,r8,r9,r10,r11,r12"
	for _, unpriv := range []bool{false, true} {
		fn := run(t, ssConfig(8192, unpriv), fmt.Sprintf(`
func f
block entry livein=%s,lr succ=exit
  frame-setup tPUSH r4, lr
block exit livein=%s
  frame-destroy tPOP_RET r4, pc
end
`, live, live))
		ops := passtest.Ops(fn.Entry())
		require.Equal(t, thumb.TPUSH, ops[0])
		assert.Equal(t, []thumb.Reg{thumb.R5}, fn.Entry().First().RegList())
		assert.True(t, fn.Entry().First().Has(thumb.ShadowStack))

		m := passtest.Exec(t, fn, nil)
		assert.Equal(t, uint32(0x8001), m.Transfer.Target)
		assert.Equal(t, uint32(0x20), m.R[5], "scratch restored")
		assert.Equal(t, uint32(0x8001), m.Load(passtest.StackTop+8192, 4))
		assert.Empty(t, m.Violations)
	}
}

func TestBadOffsets(t *testing.T) {
	fn := passtest.Parse(t, smashed)
	err := New(ssConfig(-4, false), nil).Run(context.Background(), fn)
	assert.ErrorIs(t, err, silerrors.ErrNegativeShadowOffset)
	err = New(ssConfig(6, false), nil).Run(context.Background(), fn)
	assert.ErrorIs(t, err, silerrors.ErrMisalignedShadowOffset)
	assert.Equal(t, thumb.TPUSH, fn.Entry().First().Op, "left untouched")
}

func TestVarSizedFrameWarns(t *testing.T) {
	prev := log.Root()
	defer log.SetDefault(prev)
	log.SetDefault(log.NewLogger(log.DiscardHandler()))
	log.RecordLogs()

	run(t, ssConfig(2048, false), `
func alloca var-sized
block entry livein=r4,lr
  frame-setup tPUSH r4, lr
  frame-destroy tPOP_RET r4, pc
end
`)
	raw, err := log.GetRecordedLogs()
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "warn", got[0]["level"])
	assert.Equal(t, log.SSMonitoring, got[0]["module"])
	assert.Equal(t, map[string]any{"fn": "alloca", "offset": "2048"}, got[0]["attrs"])
}

func TestDemotionLeavesShadowStoresAlone(t *testing.T) {
	cfg := ssConfig(2048, false)
	cfg.Stores = config.StoresSTRT
	fn := run(t, cfg, smashed)
	require.NoError(t, strt.New(cfg, nil).Run(context.Background(), fn))
	first := fn.Entry().First()
	assert.Equal(t, thumb.T2STRi12, first.Op)
	assert.True(t, first.Has(thumb.ShadowStack))
}

func TestDisabledAndDenied(t *testing.T) {
	fn := run(t, config.Default(), smashed)
	assert.Equal(t, thumb.TPUSH, fn.Entry().First().Op)

	cfg := ssConfig(2048, false)
	cfg.DenyList = []string{"f"}
	fn = run(t, cfg, smashed)
	assert.Equal(t, thumb.TPUSH, fn.Entry().First().Op)
}

// The store pass runs after the shadow stack and needs a scratch for the
// out-of-range store; it must not take the value being returned.
func TestReturnValueSurvivesStorePass(t *testing.T) {
	const src = `
func f
block entry livein=r4,lr
  frame-setup tPUSH r4, lr
  t2MOVi r0, #42
  tSTRspi r4, sp, #100
  frame-destroy tPOP_RET r4, pc
end
`
	for _, mode := range []config.StoreMode{config.StoresSTRT, config.StoresSFI} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := ssConfig(2048, false)
			cfg.Stores = mode
			fn := run(t, cfg, src)
			ret := fn.Entry().LastReal()
			require.Equal(t, thumb.T2LDRi12, ret.Op)
			assert.True(t, ret.Uses().Has(thumb.R0))
			assert.True(t, ret.Uses().Has(thumb.R1))

			var err error
			if mode == config.StoresSTRT {
				err = strt.New(cfg, nil).Run(context.Background(), fn)
			} else {
				err = sfi.New(cfg, nil).Run(context.Background(), fn)
			}
			require.NoError(t, err)
			require.NoError(t, itblock.VerifyFunction(fn))

			m := passtest.Exec(t, fn, nil)
			require.NotNil(t, m.Transfer)
			assert.Equal(t, uint32(0x8001), m.Transfer.Target)
			assert.Equal(t, uint32(42), m.R[0], "return value")
			assert.Equal(t, uint32(passtest.StackTop), m.R[13])
			assert.Equal(t, uint32(0x10), m.Load(passtest.StackTop+400-8, 4))
		})
	}
}
