package tracer

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/grubmultiboot/mbsup/domain"
)

// ext2 superblock layout offsets within the 1024-byte block captured at
// device offset 0x400 (spec §3 FD Info "fs_pdata"): s_lastcheck sits at
// offset 0x40 and s_mkfs_time at 0x108 of the ext2/3/4 superblock. These
// are the only two fields this detector cares about (spec §4.F), so we
// read the exact offsets of the two fields.
const (
	sbOffset       = 0x400
	sbSize         = 1024
	sbLastCheckOff = 0x40
	sbMkfsTimeOff  = 0x108
)

// deviceReader abstracts opening the device and reading a fixed window,
// the seam that lets the detector be unit tested without a real block
// device.
type deviceReader func(devicePath string, offset int64, size int) ([]byte, error)

func readDeviceWindow(devicePath string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("format: open %s: %w", devicePath, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("format: read %s@%#x: %w", devicePath, offset, err)
	}
	return buf, nil
}

// ExtFormatDetector is component F (spec §4.F).
type ExtFormatDetector struct {
	read deviceReader
}

func NewExtFormatDetector() *ExtFormatDetector {
	return &ExtFormatDetector{read: readDeviceWindow}
}

func parseSuperblock(raw []byte) domain.SuperblockSnapshot {
	var snap domain.SuperblockSnapshot
	copy(snap.Raw[:], raw)
	snap.LastCheck = binary.LittleEndian.Uint32(raw[sbLastCheckOff : sbLastCheckOff+4])
	snap.MkfsTime = binary.LittleEndian.Uint32(raw[sbMkfsTimeOff : sbMkfsTimeOff+4])
	return snap
}

// Pre captures the pre-image at open-time. Devices whose fstype isn't an
// ext variant still get a best-effort snapshot (harmless) but WasFormat
// treats non-ext fstypes as "no opinion" regardless of superblock content.
func (d *ExtFormatDetector) Pre(fdi *domain.FDInfo) error {
	raw, err := d.read(fdi.Device, sbOffset, sbSize)
	if err != nil {
		return err
	}
	snap := parseSuperblock(raw)
	snap.FsTypeSeen = fdi.FsType
	fdi.Snapshot = &snap
	return nil
}

// isExtFamily reports whether fstype is one this detector has an opinion
// about (spec §4.F / Open Questions: "only ext2/3/4 is implemented").
func isExtFamily(fstype string) bool {
	switch fstype {
	case "ext2", "ext3", "ext4":
		return true
	default:
		return false
	}
}

// WasFormat re-reads the device and classifies a reformat. Per spec §4.F:
// true iff s_mkfs_time strictly increased, or s_lastcheck strictly
// decreased, since Pre; a changed fstype between open and close also
// counts as formatted without comparing superblocks. Other filesystems
// return false (not an assertion of "definitely not formatted" -- callers
// must not treat it as one).
func (d *ExtFormatDetector) WasFormat(fdi *domain.FDInfo, fstypeAtClose string) (bool, error) {
	if fdi.Snapshot == nil {
		return false, fmt.Errorf("format: WasFormat called without a prior Pre")
	}

	if fstypeAtClose != "" && fdi.Snapshot.FsTypeSeen != "" && fstypeAtClose != fdi.Snapshot.FsTypeSeen {
		return true, nil
	}

	if !isExtFamily(fdi.Snapshot.FsTypeSeen) {
		return false, nil
	}

	raw, err := d.read(fdi.Device, sbOffset, sbSize)
	if err != nil {
		return false, err
	}
	cur := parseSuperblock(raw)

	if cur.MkfsTime > fdi.Snapshot.MkfsTime {
		return true, nil
	}
	if cur.LastCheck < fdi.Snapshot.LastCheck {
		return true, nil
	}
	return false, nil
}

func (d *ExtFormatDetector) Cleanup(fdi *domain.FDInfo) {
	fdi.Snapshot = nil
}

var _ domain.FormatDetector = (*ExtFormatDetector)(nil)
