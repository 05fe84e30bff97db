package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilesValidate(t *testing.T) {
	require.Len(t, Profiles(), 4)
	for _, id := range Profiles() {
		cfg, err := Read(id)
		require.NoError(t, err, id)
		assert.Equal(t, id, cfg.Name)
		assert.Equal(t, DefaultPasses, cfg.Passes, id)
	}
	cfg, err := Read("silhouette")
	require.NoError(t, err)
	assert.Equal(t, StoresSTRT, cfg.Stores)
	assert.Equal(t, CFILabel, cfg.CFI)
	assert.True(t, cfg.UseSTRTSpill())

	inv, err := Read("silhouette-invert")
	require.NoError(t, err)
	assert.False(t, inv.UseSTRTSpill())
	assert.True(t, inv.ShadowUnprivileged)
}

func TestDefaultDenyList(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.IsDenied("SystemInit", ""))
	assert.True(t, cfg.IsDenied("flash_program_doubleword", ""))
	assert.True(t, cfg.IsDenied("anything", DefaultPrivilegedSection))
	assert.False(t, cfg.IsDenied("memcpy", ".text"))
	assert.True(t, cfg.Instruments("memcpy", ""))

	cfg.AllowList = []string{"dijkstra"}
	assert.False(t, cfg.Instruments("memcpy", ""))
	assert.True(t, cfg.Instruments("dijkstra", ""))
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		yaml string
		err  error
	}{
		{"shadow_offset: -4\n", silerrors.ErrNegativeShadowOffset},
		{"shadow_offset: 6\n", silerrors.ErrMisalignedShadowOffset},
		{"stores: maybe\n", silerrors.ErrBadConfigValue},
		{"cfi: shadow\n", silerrors.ErrBadConfigValue},
		{"passes: [cfi, cfi]\n", silerrors.ErrBadPassOrder},
		{"passes: [frob]\n", silerrors.ErrBadConfigValue},
		{"stores: strt\nshadow_stack: true\npasses: [stores, shadowstack]\n", silerrors.ErrBadPassOrder},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.yaml))
		assert.ErrorIs(t, err, c.err, c.yaml)
	}
	// sfi may run before the shadow stack
	_, err := Parse([]byte("stores: sfi\nshadow_stack: true\npasses: [stores, shadowstack]\n"))
	assert.NoError(t, err)
}

func TestReadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: custom\nstores: sfi\ndeny_list: [boot]\n"), 0o644))
	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, StoresSFI, cfg.Stores)
	assert.Equal(t, []string{"boot"}, cfg.DenyList)
	assert.Equal(t, int64(DefaultShadowOffset), cfg.ShadowOffset)

	_, err = Read(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
