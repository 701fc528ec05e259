// Package cmdline parses the Android kernel command line (spec.md §6),
// grounded on grub4android/multiboot's src/lib/cmdline.c token-splitting
// and src/multiboot_init.c's import_kernel_nv handlers.
package cmdline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/grubmultiboot/mbsup/domain"
)

const procCmdlinePath = "/proc/cmdline"

// hdRef matches "(hdU,V)/PATH" device references used by
// multiboot.source= and multiboot.grubdir=.
var hdRef = regexp.MustCompile(`^\(hd(\d+),(\d+)\)(/.*)?$`)

// Parse reads and parses the kernel command line from fs (normally the real
// /proc/cmdline, or an in-memory afero.Fs in tests). Unparsable individual
// values are logged by the caller and treated as "feature off" (spec §7
// Cmdline error kind) rather than aborting the parse.
func Parse(fs afero.Fs, klog domain.Klog) (domain.BootConfig, error) {
	data, err := afero.ReadFile(fs, procCmdlinePath)
	if err != nil {
		return domain.BootConfig{}, domain.NewError(domain.Cmdline, "read "+procCmdlinePath, err)
	}
	return ParseLine(string(data), klog), nil
}

// ParseLine tokenizes a raw cmdline string the way import_kernel_cmdline
// does in the original C: split on spaces, one name=value (or bare name)
// token at a time, trailing newline stripped.
func ParseLine(line string, klog domain.Klog) domain.BootConfig {
	line = strings.TrimRight(line, "\n")

	cfg := domain.BootConfig{}
	for _, tok := range strings.Fields(line) {
		name, value, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			continue
		}
		if err := apply(&cfg, name, value); err != nil {
			if klog != nil {
				klog.Warnf("cmdline: %v", err)
			}
		}
	}
	return cfg
}

func apply(cfg *domain.BootConfig, name, value string) error {
	switch name {
	case "multiboot.source":
		hd, part, sub, err := parseHdRef(value)
		if err != nil {
			return domain.NewError(domain.Cmdline, "multiboot.source", err)
		}
		cfg.SourceHdDevice, cfg.SourcePart, cfg.SourceSubpath = hd, part, sub
		cfg.MultibootEnabled = true

	case "multiboot.grubdir":
		hd, part, sub, err := parseHdRef(value)
		if err != nil {
			return domain.NewError(domain.Cmdline, "multiboot.grubdir", err)
		}
		cfg.GrubdirHdDevice, cfg.GrubdirPart, cfg.GrubdirSubpath = hd, part, sub

	case "multiboot.2ndstage":
		b, err := strconv.ParseBool(normalizeBool(value))
		if err != nil {
			return domain.NewError(domain.Cmdline, "multiboot.2ndstage", err)
		}
		cfg.SndStageEnabled = b

	case "multiboot.debug":
		n, err := strconv.Atoi(value)
		if err != nil {
			return domain.NewError(domain.Cmdline, "multiboot.debug", err)
		}
		cfg.DebugLevel = n

	case "multiboot.ums":
		cfg.UmsScript = value

	case "androidboot.hardware":
		cfg.HardwareName = value
	}
	return nil
}

func normalizeBool(v string) string {
	switch v {
	case "0":
		return "false"
	case "1":
		return "true"
	default:
		return v
	}
}

// parseHdRef parses "(hdU,V)/PATH" into (U, V, "/PATH"). PATH may be empty.
func parseHdRef(v string) (hd int, part int, subpath string, err error) {
	m := hdRef.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, "", fmt.Errorf("malformed device reference %q", v)
	}
	hd, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, "", err
	}
	part, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, "", err
	}
	return hd, part, m[3], nil
}

// MmcBlockDevice renders (hdU,V) into the /dev/block/mmcblkUpV node name
// used throughout the fstab and registry.
func MmcBlockDevice(hd, part int) string {
	return fmt.Sprintf("/dev/block/mmcblk%dp%d", hd, part)
}
