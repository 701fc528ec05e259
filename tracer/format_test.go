package tracer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grubmultiboot/mbsup/domain"
)

func sbWith(mkfsTime, lastCheck uint32) []byte {
	raw := make([]byte, sbSize)
	binary.LittleEndian.PutUint32(raw[sbMkfsTimeOff:], mkfsTime)
	binary.LittleEndian.PutUint32(raw[sbLastCheckOff:], lastCheck)
	return raw
}

func TestFormatDetectorDetectsNewerMkfsTime(t *testing.T) {
	calls := 0
	d := &ExtFormatDetector{read: func(dev string, off int64, size int) ([]byte, error) {
		calls++
		if calls == 1 {
			return sbWith(1000, 50), nil
		}
		return sbWith(2000, 50), nil
	}}

	fdi := &domain.FDInfo{Device: "/dev/block/loop250", FsType: "ext4"}
	require.NoError(t, d.Pre(fdi))

	was, err := d.WasFormat(fdi, "ext4")
	require.NoError(t, err)
	require.True(t, was)
}

func TestFormatDetectorDetectsOlderLastcheck(t *testing.T) {
	calls := 0
	d := &ExtFormatDetector{read: func(dev string, off int64, size int) ([]byte, error) {
		calls++
		if calls == 1 {
			return sbWith(1000, 500), nil
		}
		return sbWith(1000, 100), nil
	}}

	fdi := &domain.FDInfo{Device: "/dev/block/loop250", FsType: "ext4"}
	require.NoError(t, d.Pre(fdi))

	was, err := d.WasFormat(fdi, "ext4")
	require.NoError(t, err)
	require.True(t, was)
}

func TestFormatDetectorNoChangeNotFormatted(t *testing.T) {
	d := &ExtFormatDetector{read: func(dev string, off int64, size int) ([]byte, error) {
		return sbWith(1000, 500), nil
	}}

	fdi := &domain.FDInfo{Device: "/dev/block/loop250", FsType: "ext4"}
	require.NoError(t, d.Pre(fdi))

	was, err := d.WasFormat(fdi, "ext4")
	require.NoError(t, err)
	require.False(t, was)
}

func TestFormatDetectorFstypeChangeIsFormatted(t *testing.T) {
	d := &ExtFormatDetector{read: func(dev string, off int64, size int) ([]byte, error) {
		return sbWith(1000, 500), nil
	}}

	fdi := &domain.FDInfo{Device: "/dev/block/loop250", FsType: "ext4"}
	require.NoError(t, d.Pre(fdi))

	was, err := d.WasFormat(fdi, "f2fs")
	require.NoError(t, err)
	require.True(t, was)
}

func TestFormatDetectorNonExtFamilyNoOpinion(t *testing.T) {
	d := &ExtFormatDetector{read: func(dev string, off int64, size int) ([]byte, error) {
		return sbWith(9999, 0), nil
	}}

	fdi := &domain.FDInfo{Device: "/dev/block/loop250", FsType: "vfat"}
	require.NoError(t, d.Pre(fdi))

	was, err := d.WasFormat(fdi, "vfat")
	require.NoError(t, err)
	require.False(t, was)
}

func TestFormatDetectorRoundTripIdempotent(t *testing.T) {
	d := &ExtFormatDetector{read: func(dev string, off int64, size int) ([]byte, error) {
		return sbWith(1000, 500), nil
	}}

	fdi := &domain.FDInfo{Device: "/dev/block/loop250", FsType: "ext4"}
	require.NoError(t, d.Pre(fdi))
	d.Cleanup(fdi)
	require.Nil(t, fdi.Snapshot)

	require.NoError(t, d.Pre(fdi))
	was, err := d.WasFormat(fdi, "ext4")
	require.NoError(t, err)
	require.False(t, was)
}
