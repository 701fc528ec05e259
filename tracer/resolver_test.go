package tracer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grubmultiboot/mbsup/domain"
)

func fakeMem(data string) memReader {
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	return func(pid int, addr uintptr, n int) ([]byte, error) {
		out := make([]byte, n)
		copy(out, buf)
		return out, nil
	}
}

func TestReadPathHappyPath(t *testing.T) {
	r := &Resolver{readMem: fakeMem("/dev/block/mmcblk0p12")}
	p, err := r.ReadPath(123, 0x1000)
	require.NoError(t, err)
	require.Equal(t, "/dev/block/mmcblk0p12", p)
}

func TestReadPathZeroAddrIsEmpty(t *testing.T) {
	r := &Resolver{readMem: fakeMem("unused")}
	p, err := r.ReadPath(123, 0)
	require.NoError(t, err)
	require.Equal(t, "", p)
}

func TestReadPathTooLongHasNoNul(t *testing.T) {
	long := make([]byte, PathMax+1)
	for i := range long {
		long[i] = 'a'
	}
	r := &Resolver{readMem: func(pid int, addr uintptr, n int) ([]byte, error) {
		return long, nil
	}}
	_, err := r.ReadPath(123, 0x1000)
	require.Error(t, err)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, domain.PathTooLong, derr.Kind)
}

func TestResolveSkipsNonAbsolute(t *testing.T) {
	r := NewResolver()
	require.Equal(t, "rel/path", r.Resolve("rel/path", true))
}

func TestResolveSkipsWhenNoFollow(t *testing.T) {
	r := &Resolver{realpath: func(p string) (string, error) { return "/resolved", nil }}
	require.Equal(t, "/orig", r.Resolve("/orig", false))
}

func TestResolveFollowsSymlinks(t *testing.T) {
	r := &Resolver{realpath: func(p string) (string, error) { return "/canonical", nil }}
	require.Equal(t, "/canonical", r.Resolve("/link", true))
}

func TestIsNofollowBlocked(t *testing.T) {
	r := &Resolver{lstat: func(path string) (bool, error) { return true, nil }}
	require.True(t, r.IsNofollowBlocked("/dev/block/by-name/userdata", false))
	require.False(t, r.IsNofollowBlocked("/dev/block/by-name/userdata", true))
}

func TestIsNofollowBlockedStatErrorIsNoMatch(t *testing.T) {
	r := &Resolver{lstat: func(path string) (bool, error) { return false, errStat }}
	require.False(t, r.IsNofollowBlocked("/missing", false))
}

var errStat = errors.New("stat failed")
