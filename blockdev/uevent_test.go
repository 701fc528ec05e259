package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeUevent(t *testing.T, dir, name, contents string) {
	t.Helper()
	devDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(devDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "uevent"), []byte(contents), 0644))
}

func TestEnumerateAndResolveByName(t *testing.T) {
	sysRoot := t.TempDir()
	blockDir := filepath.Join(sysRoot, "class", "block")
	require.NoError(t, os.MkdirAll(blockDir, 0755))

	writeUevent(t, blockDir, "mmcblk0p12", "MAJOR=179\nMINOR=12\nPARTN=12\nDEVNAME=mmcblk0p12\nPARTNAME=userdata\nDEVTYPE=partition\n")
	writeUevent(t, blockDir, "mmcblk0", "MAJOR=179\nMINOR=0\nDEVNAME=mmcblk0\nDEVTYPE=disk\n")

	e := &Enumerator{SysRoot: sysRoot, DevRoot: "/dev"}
	devices, err := e.Enumerate()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	path, err := e.ResolveByName("userdata")
	require.NoError(t, err)
	require.Equal(t, "/dev/mmcblk0p12", path)

	_, err = e.ResolveByName("nope")
	require.Error(t, err)
}

func TestWaitForNodeTimesOut(t *testing.T) {
	e := New()
	err := e.WaitForNode(filepath.Join(t.TempDir(), "never"), 20)
	require.Error(t, err)
}

func TestWaitForNodeSucceedsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))

	e := New()
	require.NoError(t, e.WaitForNode(p, 50))
}
