package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grubmultiboot/mbsup/domain"
)

func bindTarget(dev, mountpoint string, rdev uint64) *domain.Target {
	return &domain.Target{
		Identity:   domain.Identity{DevPath: dev, Rdev: rdev, HasRdev: true},
		FsType:     "ext4",
		Mountpoint: mountpoint,
		Policy: domain.BindPolicy{
			SourceDir:  "/mnt/slot/data",
			StubDevice: "/dev/block/loop255",
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	target := bindTarget("/dev/block/mmcblk0p12", "/data", 100)

	require.NoError(t, r.Register(target))

	got, ok := r.LookupByDevPath("/dev/block/mmcblk0p12")
	require.True(t, ok)
	require.Same(t, target, got)

	got, ok = r.LookupByRdev(100)
	require.True(t, ok)
	require.Same(t, target, got)

	got, ok = r.LookupByFstabMount("/data")
	require.True(t, ok)
	require.Same(t, target, got)

	// Longest-prefix match for a submount.
	got, ok = r.LookupByFstabMount("/data/media/0")
	require.True(t, ok)
	require.Same(t, target, got)

	_, ok = r.LookupByFstabMount("/cache")
	require.False(t, ok)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()
	target := bindTarget("/dev/block/mmcblk0p12", "/data", 100)
	require.NoError(t, r.Register(target))

	err := r.Register(bindTarget("/dev/block/mmcblk0p12", "/data2", 200))
	require.Error(t, err)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, domain.DuplicateTarget, derr.Kind)
}

func TestRdevCollisionFirstWins(t *testing.T) {
	r := New()
	first := bindTarget("/dev/block/mmcblk0p12", "/data", 100)
	second := bindTarget("/dev/block/mmcblk0p13", "/cache", 100)

	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	got, ok := r.LookupByRdev(100)
	require.True(t, ok)
	require.Same(t, first, got)

	// Second target is still reachable by its own dev path.
	got, ok = r.LookupByDevPath("/dev/block/mmcblk0p13")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestFreezeRejectsFurtherRegistration(t *testing.T) {
	r := New()
	r.Freeze()
	require.True(t, r.Frozen())

	err := r.Register(bindTarget("/dev/block/mmcblk0p12", "/data", 100))
	require.Error(t, err)
}

func TestAllReturnsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(bindTarget("/dev/block/mmcblk0p12", "/data", 100)))

	all := r.All()
	require.Len(t, all, 1)
	all[0] = nil
	require.Len(t, r.All(), 1)
	require.NotNil(t, r.All()[0])
}
