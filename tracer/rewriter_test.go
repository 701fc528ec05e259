//go:build linux

package tracer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/grubmultiboot/mbsup/domain"
	"github.com/grubmultiboot/mbsup/registry"
	"github.com/grubmultiboot/mbsup/state"
)

type fakeKlog struct{ warnings []string }

func (f *fakeKlog) Debugf(string, ...interface{}) {}
func (f *fakeKlog) Infof(string, ...interface{})  {}
func (f *fakeKlog) Warnf(format string, args ...interface{}) {
	f.warnings = append(f.warnings, format)
}
func (f *fakeKlog) Errorf(string, ...interface{}) {}
func (f *fakeKlog) Fatalf(string, ...interface{}) {}

type fakeHelper struct {
	purged []string
}

func (f *fakeHelper) Dd(string, string, int, int) error              { return nil }
func (f *fakeHelper) Losetup(bool, string, string) error             { return nil }
func (f *fakeHelper) LosetupDetach(string) error                     { return nil }
func (f *fakeHelper) E2fsck(string, bool) error                      { return nil }
func (f *fakeHelper) MkfsExt4(string) error                          { return nil }
func (f *fakeHelper) Cp(bool, bool, string, string) error            { return nil }
func (f *fakeHelper) Chmod(bool, string, string) error               { return nil }
func (f *fakeHelper) SedInPlace(string, string) error                { return nil }
func (f *fakeHelper) PurgeContents(dir string) error                 { f.purged = append(f.purged, dir); return nil }

type fakeFormatDetector struct {
	wasFormat bool
}

func (f *fakeFormatDetector) Pre(*domain.FDInfo) error { return nil }
func (f *fakeFormatDetector) WasFormat(*domain.FDInfo, string) (bool, error) {
	return f.wasFormat, nil
}
func (f *fakeFormatDetector) Cleanup(fdi *domain.FDInfo) { fdi.Snapshot = nil }

func newTestRewriter(t *testing.T, wasFormat bool) (*Rewriter, *registry.Registry, *fakeHelper) {
	t.Helper()
	reg := registry.New()
	st := state.New(reg)
	helper := &fakeHelper{}
	rw := &Rewriter{
		st:     st,
		klog:   &fakeKlog{},
		helper: helper,
		format: &fakeFormatDetector{wasFormat: wasFormat},
		fsType: func(string) string { return "" },
	}
	return rw, reg, helper
}

func TestLookupTargetByMountpointMatchesRegisteredMountpoint(t *testing.T) {
	rw, reg, _ := newTestRewriter(t, false)
	target := &domain.Target{
		Identity:   domain.Identity{DevPath: "/dev/block/loop9"},
		Mountpoint: "/mnt/secure/asec",
		Policy:     domain.BindPolicy{SourceDir: "/mnt/slot/asec", StubDevice: "/dev/block/loop9"},
	}
	require.NoError(t, reg.Register(target))
	rw.resolver = &Resolver{readMem: fakeMem("/mnt/secure/asec")}

	var regs unix.PtraceRegs
	regs.Rsi = 0x2000
	found, ok := rw.lookupTargetByMountpoint(123, &regs)

	require.True(t, ok)
	require.Same(t, target, found)
}

func TestLookupTargetByMountpointNoMatch(t *testing.T) {
	rw, _, _ := newTestRewriter(t, false)
	rw.resolver = &Resolver{readMem: fakeMem("/data")}

	var regs unix.PtraceRegs
	regs.Rsi = 0x2000
	_, ok := rw.lookupTargetByMountpoint(123, &regs)

	require.False(t, ok)
}

// realBindTarget registers a Bind target the way populateRegistry actually
// does: Identity.DevPath is the real partition device fstab names, never
// the stub device substituted into syscalls.
func realBindTarget(t *testing.T, reg *registry.Registry) *domain.Target {
	t.Helper()
	target := &domain.Target{
		Identity:   domain.Identity{DevPath: "/dev/block/mmcblk0p5"},
		Mountpoint: "/data",
		FsType:     "ext4",
		Policy:     domain.BindPolicy{SourceDir: "/mnt/slot/data", StubDevice: "/dev/block/loop255"},
	}
	require.NoError(t, reg.Register(target))
	return target
}

func TestHandleCloseFormatCheckPurgesBindOnReformat(t *testing.T) {
	rw, reg, helper := newTestRewriter(t, true)
	target := realBindTarget(t, reg)

	fdi := buildFDInfo(1, 3, "/dev/block/mmcblk0p5", target)
	fdi.Snapshot = &domain.SuperblockSnapshot{}
	rw.handleCloseFormatCheck(fdi)

	require.Equal(t, []string{"/mnt/slot/data"}, helper.purged)
	require.Nil(t, fdi.Snapshot)
}

func TestHandleCloseFormatCheckSkipsFdWithoutSnapshot(t *testing.T) {
	rw, reg, helper := newTestRewriter(t, true)
	target := realBindTarget(t, reg)

	fdi := buildFDInfo(1, 3, "/dev/block/mmcblk0p5", target)
	rw.handleCloseFormatCheck(fdi)
	require.Empty(t, helper.purged)
}

func TestHandleCloseFormatCheckNoPurgeWhenNotReformatted(t *testing.T) {
	rw, reg, helper := newTestRewriter(t, false)
	target := realBindTarget(t, reg)

	fdi := buildFDInfo(1, 3, "/dev/block/mmcblk0p5", target)
	fdi.Snapshot = &domain.SuperblockSnapshot{}
	rw.handleCloseFormatCheck(fdi)
	require.Empty(t, helper.purged)
}

func TestHandleCloseFormatCheckNoPurgeForLoopImageTarget(t *testing.T) {
	rw, _, helper := newTestRewriter(t, true)
	target := &domain.Target{
		Identity: domain.Identity{DevPath: "/dev/block/mmcblk0p6"},
		Policy:   domain.LoopImagePolicy{ImagePath: "/mnt/slot/data.img", ReplacementDevice: "/dev/block/loop250"},
	}

	fdi := buildFDInfo(1, 3, "/dev/block/mmcblk0p6", target)
	fdi.Snapshot = &domain.SuperblockSnapshot{}
	rw.handleCloseFormatCheck(fdi)
	require.Empty(t, helper.purged)
}

func TestChangesAccessModeOnlyMatchesFSetFl(t *testing.T) {
	require.True(t, changesAccessMode(4))
	require.False(t, changesAccessMode(0))
	require.False(t, changesAccessMode(1))
}
