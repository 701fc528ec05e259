package fstab

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStandardForm(t *testing.T) {
	p := New(false)
	recs, err := p.Parse(strings.NewReader(`
# comment
/dev/block/mmcblk0p12 /data ext4 noatime,nosuid wait,check,multiboot
/dev/block/mmcblk0p1 /boot emmc defaults voldmanaged=boot:1
`))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	r0 := recs[0]
	require.Equal(t, "/dev/block/mmcblk0p12", r0.BlockDevice)
	require.Equal(t, "/data", r0.MountPoint)
	require.True(t, r0.MgrFlags.Multiboot)
	require.True(t, r0.MgrFlags.Wait)
	require.True(t, r0.MgrFlags.Check)

	r1 := recs[1]
	require.Equal(t, "boot:1", r1.MgrFlags.Voldmanaged)
}

func TestParseTwrpForm(t *testing.T) {
	p := New(true)
	recs, err := p.Parse(strings.NewReader("/data ext4 /dev/block/mmcblk0p12 multiboot\n"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "/data", recs[0].MountPoint)
	require.Equal(t, "/dev/block/mmcblk0p12", recs[0].BlockDevice)
	require.True(t, recs[0].MgrFlags.Multiboot)
}

func TestParseRejectsShortLine(t *testing.T) {
	p := New(false)
	_, err := p.Parse(strings.NewReader("/dev/block/mmcblk0p12 /data\n"))
	require.Error(t, err)
}

func TestPatchBlockDevice(t *testing.T) {
	orig := "/dev/block/mmcblk0p12 /data ext4 noatime wait,check,multiboot"
	patched := PatchBlockDevice(orig, "/data", "/dev/block/loop250", false)
	require.Equal(t, "/dev/block/loop250 /data ext4 noatime wait,check,multiboot", patched)
}
