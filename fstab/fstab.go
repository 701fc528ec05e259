// Package fstab parses Android fs_mgr-style fstab files (spec.md §6),
// grounded on grub4android/multiboot's lib/fs_mgr/fs_mgr.c: both the
// standard five-column form (blk_device mount_point fs_type flags
// fs_mgr_flags) and the TWRP variant (mount_point fs_type blk_device
// [fs_mgr_flags...]).
package fstab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/grubmultiboot/mbsup/domain"
)

// Parser implements domain.FstabParser. Twrp selects the column order.
type Parser struct {
	Twrp bool
}

func New(twrp bool) *Parser {
	return &Parser{Twrp: twrp}
}

func (p *Parser) ParseFile(path string) ([]domain.FstabRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fstab %s: %w", path, err)
	}
	defer f.Close()
	return p.Parse(f)
}

func (p *Parser) Parse(r io.Reader) ([]domain.FstabRecord, error) {
	var recs []domain.FstabRecord

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		rec, err := p.parseLine(fields)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (p *Parser) parseLine(fields []string) (domain.FstabRecord, error) {
	var rec domain.FstabRecord

	if p.Twrp {
		if len(fields) < 3 {
			return rec, fmt.Errorf("fstab: malformed twrp line %q", strings.Join(fields, " "))
		}
		rec.MountPoint = fields[0]
		rec.FsType = fields[1]
		rec.BlockDevice = fields[2]
		if len(fields) > 3 {
			rec.MgrFlags = parseFlags(strings.Join(fields[3:], ","))
		}
		return rec, nil
	}

	if len(fields) < 4 {
		return rec, fmt.Errorf("fstab: malformed line %q", strings.Join(fields, " "))
	}
	rec.BlockDevice = fields[0]
	rec.MountPoint = fields[1]
	rec.FsType = fields[2]
	rec.MountFlags = parseMountFlags(fields[3])
	if len(fields) > 4 {
		rec.MgrFlags = parseFlags(fields[4])
	}
	return rec, nil
}

var mountFlagTable = map[string]uint64{
	"noatime":    unix.MS_NOATIME,
	"noexec":     unix.MS_NOEXEC,
	"nosuid":     unix.MS_NOSUID,
	"nodev":      unix.MS_NODEV,
	"nodiratime": unix.MS_NODIRATIME,
	"ro":         unix.MS_RDONLY,
	"rw":         0,
	"remount":    unix.MS_REMOUNT,
	"bind":       unix.MS_BIND,
	"rec":        unix.MS_REC,
	"sync":       unix.MS_SYNCHRONOUS,
	"defaults":   0,
}

func parseMountFlags(s string) uint64 {
	var f uint64
	for _, tok := range strings.Split(s, ",") {
		if v, ok := mountFlagTable[tok]; ok {
			f |= v
		}
	}
	return f
}

// parseFlags parses the fs_mgr_flags column (spec §6 vocabulary). Unknown
// tokens are ignored rather than rejected, matching fs_mgr.c's tolerance of
// filesystem-specific options interleaved in the same column.
func parseFlags(s string) domain.FsMgrFlags {
	var fl domain.FsMgrFlags
	fl.SwapPrio = -1

	for _, tok := range strings.Split(s, ",") {
		switch {
		case tok == "multiboot":
			fl.Multiboot = true
		case tok == "wait":
			fl.Wait = true
		case tok == "check":
			fl.Check = true
		case tok == "verify":
			fl.Verify = true
		case tok == "noemulatedsd":
			fl.NoEmulatedSD = true
		case tok == "recoveryonly":
			fl.RecoveryOnly = true
		case tok == "nonremovable":
			fl.NonRemovable = true
		case strings.HasPrefix(tok, "voldmanaged="):
			fl.Voldmanaged = strings.TrimPrefix(tok, "voldmanaged=")
		case strings.HasPrefix(tok, "length="):
			n, _ := strconv.ParseInt(strings.TrimPrefix(tok, "length="), 0, 64)
			fl.Length = n
		case strings.HasPrefix(tok, "encryptable="):
			fl.Encryptable = strings.TrimPrefix(tok, "encryptable=")
		case strings.HasPrefix(tok, "swapprio="):
			n, _ := strconv.Atoi(strings.TrimPrefix(tok, "swapprio="))
			fl.SwapPrio = n
		case strings.HasPrefix(tok, "zramsize="):
			n, _ := strconv.ParseUint(strings.TrimPrefix(tok, "zramsize="), 0, 64)
			fl.ZramSize = n
		}
	}
	return fl
}

// PatchBlockDevice rewrites a single record's device field in place within
// raw fstab text, mirroring src/mb_fstab_patcher.c's sed-style single-field
// rewrite performed before exec'ing the real /init.
func PatchBlockDevice(contents, mountPoint, newDevice string, twrp bool) string {
	lines := strings.Split(contents, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		mpIdx, devIdx := 1, 0
		if twrp {
			mpIdx, devIdx = 0, 2
		}
		if len(fields) <= devIdx || fields[mpIdx] != mountPoint {
			continue
		}
		fields[devIdx] = newDevice
		lines[i] = strings.Join(fields, " ")
	}
	return strings.Join(lines, "\n")
}
