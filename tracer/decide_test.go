package tracer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grubmultiboot/mbsup/domain"
)

func bindTarget() *domain.Target {
	return &domain.Target{
		Policy: domain.BindPolicy{SourceDir: "/mnt/slot/data", StubDevice: "/dev/block/loop255"},
	}
}

func loopTarget() *domain.Target {
	return &domain.Target{
		Policy: domain.LoopImagePolicy{ImagePath: "/mnt/slot/data.img", ReplacementDevice: "/dev/block/loop250"},
	}
}

func TestDecidePathArgSubstitutionBindReadOnlyPassesThrough(t *testing.T) {
	sub, pass := decidePathArgSubstitution(bindTarget(), true)
	require.True(t, pass)
	require.Empty(t, sub)
}

func TestDecidePathArgSubstitutionBindWriteUsesStub(t *testing.T) {
	sub, pass := decidePathArgSubstitution(bindTarget(), false)
	require.False(t, pass)
	require.Equal(t, "/dev/block/loop255", sub)
}

func TestDecidePathArgSubstitutionLoopAlwaysSubstitutes(t *testing.T) {
	sub, pass := decidePathArgSubstitution(loopTarget(), true)
	require.False(t, pass)
	require.Equal(t, "/dev/block/loop250", sub)
}

func TestDecideMountSubstitutionBind(t *testing.T) {
	dev, flags, zero := decideMountSubstitution(bindTarget(), 0)
	require.Equal(t, "/mnt/slot/data", dev)
	require.True(t, zero)
	require.NotZero(t, flags&msBind)
}

func TestDecideMountSubstitutionLoop(t *testing.T) {
	dev, flags, zero := decideMountSubstitution(loopTarget(), 0x1000)
	require.Equal(t, "/dev/block/loop250", dev)
	require.False(t, zero)
	require.Equal(t, uintptr(0x1000), flags)
}

func TestEffectiveFollowSymlinksDefault(t *testing.T) {
	spec := domain.HookSpec{ResolveSymlinks: true, AtFlagsArgIndex: domain.NoAtFlagsArg}
	require.True(t, effectiveFollowSymlinks(spec, 0, 0, false))
}

func TestEffectiveFollowSymlinksAtNofollow(t *testing.T) {
	spec := domain.HookSpec{ResolveSymlinks: true, AtFlagsArgIndex: 3}
	require.False(t, effectiveFollowSymlinks(spec, atSymlinkNofollow, 0, false))
}

func TestEffectiveFollowSymlinksOpenNofollow(t *testing.T) {
	spec := domain.HookSpec{ResolveSymlinks: true, AtFlagsArgIndex: domain.NoAtFlagsArg}
	require.False(t, effectiveFollowSymlinks(spec, 0, oNofollow, true))
}

func TestIsReadOnlyOpen(t *testing.T) {
	require.True(t, isReadOnlyOpen(0))       // O_RDONLY
	require.False(t, isReadOnlyOpen(1))      // O_WRONLY
	require.False(t, isReadOnlyOpen(0x40))   // O_RDONLY|O_CREAT
}

func TestBuildFDInfoBindTargetCarriesStubDeviceAndBindDir(t *testing.T) {
	fdi := buildFDInfo(1, 3, "/data", bindTarget())
	require.Equal(t, "/dev/block/loop255", fdi.Device)
	require.Equal(t, "/mnt/slot/data", fdi.BindDir)
}

func TestBuildFDInfoLoopTargetLeavesBindDirEmpty(t *testing.T) {
	fdi := buildFDInfo(1, 3, "/data", loopTarget())
	require.Equal(t, "/dev/block/loop250", fdi.Device)
	require.Empty(t, fdi.BindDir)
}

func TestBuildPathArgHookTableSkipsUnresolvedCompatSyscalls(t *testing.T) {
	numbers := map[string]int{"stat": 4, "stat64": -1, "open": 2}
	table := buildPathArgHookTable(numbers)

	_, ok := table[4]
	require.True(t, ok)
	for _, h := range table {
		require.NotEqual(t, "stat64", h.Name)
	}
}
