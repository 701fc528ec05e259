package cmdline

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestParseLineEnablesMultiboot(t *testing.T) {
	cfg := ParseLine("console=ttyS0 multiboot.source=(hd0,12)/multiboot multiboot.debug=2 androidboot.hardware=msm8916", nil)

	require.True(t, cfg.MultibootEnabled)
	require.Equal(t, 0, cfg.SourceHdDevice)
	require.Equal(t, 12, cfg.SourcePart)
	require.Equal(t, "/multiboot", cfg.SourceSubpath)
	require.Equal(t, 2, cfg.DebugLevel)
	require.Equal(t, "msm8916", cfg.HardwareName)
}

func TestParseLineMalformedValueDisablesFeatureNotBoot(t *testing.T) {
	cfg := ParseLine("multiboot.source=garbage multiboot.2ndstage=1", nil)

	require.False(t, cfg.MultibootEnabled)
	require.True(t, cfg.SndStageEnabled)
}

func TestParseLineIgnoresBareTokens(t *testing.T) {
	cfg := ParseLine("quiet splash multiboot.debug=1", nil)
	require.Equal(t, 1, cfg.DebugLevel)
}

func TestParseFromFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proc/cmdline",
		[]byte("multiboot.source=(hd0,12)/multiboot\n"), 0644))

	cfg, err := Parse(fs, nil)
	require.NoError(t, err)
	require.True(t, cfg.MultibootEnabled)
}

func TestMmcBlockDevice(t *testing.T) {
	require.Equal(t, "/dev/block/mmcblk0p12", MmcBlockDevice(0, 12))
}
