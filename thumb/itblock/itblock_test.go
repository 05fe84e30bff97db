package itblock

import (
	"testing"

	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestMaskRoundTrip(t *testing.T) {
	for mask := uint8(1); mask < 16; mask++ {
		dq, err := DecodeMask(mask)
		require.NoError(t, err)
		assert.True(t, dq[0])
		back, err := EncodeMask(dq)
		require.NoError(t, err)
		assert.Equal(t, mask, back, "mask %04b", mask)
	}
	_, err := DecodeMask(0)
	assert.ErrorIs(t, err, silerrors.ErrBadITMask)
}

func TestListRoundTrip(t *testing.T) {
	seen := map[uint8]bool{}
	for n := 1; n <= 4; n++ {
		for bits := 0; bits < 1<<(n-1); bits++ {
			dq := []bool{true}
			for i := 1; i < n; i++ {
				dq = append(dq, bits&(1<<(i-1)) == 0)
			}
			mask, err := EncodeMask(dq)
			require.NoError(t, err)
			assert.False(t, seen[mask])
			seen[mask] = true
			back, err := DecodeMask(mask)
			require.NoError(t, err)
			assert.Equal(t, dq, back)
		}
	}
	assert.Len(t, seen, 15)

	for _, bad := range [][]bool{nil, {false}, {true, true, true, true, true}} {
		_, err := EncodeMask(bad)
		assert.ErrorIs(t, err, silerrors.ErrBadITList)
	}
}

func TestKnownMasks(t *testing.T) {
	cases := []struct {
		mask uint8
		dq   []bool
	}{
		{0x8, []bool{true}},
		{0x4, []bool{true, true}},
		{0xc, []bool{true, false}},
		{0x1, []bool{true, true, true, true}},
		{0xf, []bool{true, false, false, false}},
		{0x6, []bool{true, true, false}},
	}
	for _, c := range cases {
		dq, err := DecodeMask(c.mask)
		require.NoError(t, err)
		assert.Equal(t, c.dq, dq, "mask %04b", c.mask)
	}
}

func mov(rd thumb.Reg, c thumb.Cond) *thumb.Instr {
	mi := thumb.New(thumb.T2MOVr, thumb.R(rd), thumb.R(thumb.R0))
	mi.Cond = c
	return mi
}

// itBlock builds entry: [nop] IT, governed... [tail]
func itBlock(t *testing.T, base thumb.Cond, dq []bool) (*thumb.Block, []*thumb.Instr) {
	fn := thumb.NewFunction("f")
	b := fn.AddBlock("entry")
	b.Append(thumb.New(thumb.TMOVr, thumb.R(thumb.R1), thumb.R(thumb.R2)))
	it, err := NewIT(base, dq)
	require.NoError(t, err)
	b.Append(it)
	var gov []*thumb.Instr
	for i, same := range dq {
		c := base
		if !same {
			c = base.Opposite()
		}
		mi := mov(thumb.R4+thumb.Reg(i), c)
		gov = append(gov, mi)
		b.Append(mi)
	}
	b.Append(thumb.New(thumb.TMOVr, thumb.R(thumb.R3), thumb.R(thumb.R2)))
	return b, gov
}

func TestFindIT(t *testing.T) {
	b, gov := itBlock(t, thumb.EQ, []bool{true, false, true})
	for i, mi := range gov {
		it, rank, err := FindIT(mi)
		require.NoError(t, err)
		require.NotNil(t, it)
		assert.Equal(t, i+1, rank)
	}
	it, _, err := FindIT(b.Last())
	require.NoError(t, err)
	assert.Nil(t, it)
	it, _, err = FindIT(b.First())
	require.NoError(t, err)
	assert.Nil(t, it)

	// debug instructions do not count toward the distance
	b.InsertBefore(gov[2], thumb.New(thumb.DBG_VALUE, thumb.R(thumb.R4)))
	it, rank, err := FindIT(gov[2])
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, 3, rank)

	gov[1].Cond = thumb.EQ
	_, _, err = FindIT(gov[1])
	assert.ErrorIs(t, err, silerrors.ErrITMismatch)
}

func TestFullBlockDoesNotReachPastFour(t *testing.T) {
	b, gov := itBlock(t, thumb.NE, []bool{true, true, true, true})
	require.Len(t, gov, 4)
	it, _, err := FindIT(b.Last())
	require.NoError(t, err)
	assert.Nil(t, it)
}

func snapshotConds(b *thumb.Block) map[*thumb.Instr]thumb.Cond {
	out := map[*thumb.Instr]thumb.Cond{}
	for _, mi := range b.Instrs() {
		if mi.Op != thumb.T2IT {
			out[mi] = mi.Cond
		}
	}
	return out
}

func checkConserved(t *testing.T, b *thumb.Block, before map[*thumb.Instr]thumb.Cond) {
	t.Helper()
	require.NoError(t, Verify(b))
	eff, err := Effective(b)
	require.NoError(t, err)
	for mi, c := range before {
		if c == thumb.AL {
			_, governed := eff[mi]
			assert.False(t, governed, "%s became governed", mi)
			continue
		}
		assert.Equal(t, c, eff[mi], "%s", mi)
	}
}

func TestInsertBeforeFullBlockSplits(t *testing.T) {
	b, gov := itBlock(t, thumb.EQ, []bool{true, false, true, false})
	before := snapshotConds(b)
	bfc := thumb.New(thumb.T2BFC, thumb.R(thumb.R7), thumb.I(1), thumb.I(1))
	require.NoError(t, InsertBefore(gov[3], bfc))

	assert.Equal(t, thumb.NE, bfc.Cond)
	checkConserved(t, b, before)
	headers := 0
	for _, mi := range b.Instrs() {
		if mi.Op == thumb.T2IT {
			headers++
		}
	}
	assert.Equal(t, 2, headers)
	// second chunk starts with an else and is flipped onto the opposite base
	it, rank, err := FindIT(gov[3])
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
	assert.Equal(t, thumb.NE, Cond(it))
}

func TestInsertConservationRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	conds := []thumb.Cond{thumb.EQ, thumb.NE, thumb.HS, thumb.LT, thumb.GT, thumb.HI}
	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(4)
		dq := []bool{true}
		for i := 1; i < n; i++ {
			dq = append(dq, rng.Intn(2) == 0)
		}
		b, gov := itBlock(t, conds[rng.Intn(len(conds))], dq)
		before := snapshotConds(b)
		target := gov[rng.Intn(n)]
		var seq []*thumb.Instr
		m := 1 + rng.Intn(3)
		for k := 0; k < m; k++ {
			seq = append(seq, thumb.New(thumb.T2ADDri12, thumb.R(thumb.R8), thumb.R(thumb.R8), thumb.I(int64(k))))
		}
		var err error
		if rng.Intn(2) == 0 {
			err = InsertBefore(target, seq...)
		} else {
			err = InsertAfter(target, seq...)
		}
		require.NoError(t, err)
		checkConserved(t, b, before)
		eff, _ := Effective(b)
		for _, s := range seq {
			assert.Equal(t, target.Cond, eff[s])
		}
	}
}

func TestInsertUngoverned(t *testing.T) {
	b, _ := itBlock(t, thumb.EQ, []bool{true})
	tail := b.Last()
	add := thumb.New(thumb.T2ADDri12, thumb.R(thumb.R8), thumb.R(thumb.R8), thumb.I(1))
	require.NoError(t, InsertBefore(tail, add))
	assert.Equal(t, thumb.AL, add.Cond)
	require.NoError(t, Verify(b))
}

func TestRemove(t *testing.T) {
	// sole instruction of a one-block deletes the header
	b, gov := itBlock(t, thumb.EQ, []bool{true})
	require.NoError(t, Remove(gov[0]))
	for _, mi := range b.Instrs() {
		assert.NotEqual(t, thumb.T2IT, mi.Op)
	}
	require.NoError(t, Verify(b))

	// removing the first instruction flips the remaining block
	b, gov = itBlock(t, thumb.EQ, []bool{true, false, false})
	before := snapshotConds(b)
	delete(before, gov[0])
	require.NoError(t, Remove(gov[0]))
	checkConserved(t, b, before)
	it, rank, err := FindIT(gov[1])
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
	assert.Equal(t, thumb.NE, Cond(it))
	assert.Equal(t, uint8(0x4), Mask(it))

	// ungoverned removal just unlinks
	last := b.Last()
	require.NoError(t, Remove(last))
	assert.Nil(t, last.Parent())
}

func TestRemoveRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 300; iter++ {
		n := 1 + rng.Intn(4)
		dq := []bool{true}
		for i := 1; i < n; i++ {
			dq = append(dq, rng.Intn(2) == 0)
		}
		b, gov := itBlock(t, thumb.GE, dq)
		before := snapshotConds(b)
		victim := gov[rng.Intn(n)]
		delete(before, victim)
		require.NoError(t, Remove(victim))
		checkConserved(t, b, before)
	}
}

func TestReplace(t *testing.T) {
	b, gov := itBlock(t, thumb.LO, []bool{true, false})
	before := snapshotConds(b)
	delete(before, gov[1])
	a := thumb.New(thumb.T2ADDri12, thumb.R(thumb.R8), thumb.R(thumb.R8), thumb.I(1))
	c := thumb.New(thumb.T2SUBri12, thumb.R(thumb.R8), thumb.R(thumb.R8), thumb.I(1))
	require.NoError(t, Replace(gov[1], a, c))
	checkConserved(t, b, before)
	assert.Equal(t, thumb.HS, a.Cond)
	assert.Equal(t, thumb.HS, c.Cond)
	assert.Nil(t, gov[1].Parent())
}

func TestVerifyRejects(t *testing.T) {
	fn := thumb.NewFunction("f")
	b := fn.AddBlock("entry")
	it, _ := NewIT(thumb.EQ, []bool{true, true})
	b.Append(it, mov(thumb.R4, thumb.EQ))
	assert.ErrorIs(t, Verify(b), silerrors.ErrInvariant)

	b2 := fn.AddBlock("loose")
	b2.Append(mov(thumb.R4, thumb.EQ))
	assert.ErrorIs(t, Verify(b2), silerrors.ErrITMismatch)

	b3 := fn.AddBlock("branch")
	it3, _ := NewIT(thumb.EQ, []bool{true, true})
	br := thumb.New(thumb.TBX, thumb.R(thumb.R0))
	br.Cond = thumb.EQ
	b3.Append(it3, br, mov(thumb.R4, thumb.EQ))
	assert.ErrorIs(t, Verify(b3), silerrors.ErrInvariant)
}
