// Package helper spawns the opaque external collaborators of spec.md §6
// (dd, losetup, e2fsck, mkfs.ext4, cp, chmod, sed, rm) as argv-vector
// subprocesses, per Design Notes §9; only PurgeContents goes through a
// shell (sh -c), for its glob. Each failure is
// reported via domain.Helper and left to the caller to treat as best-effort.
package helper

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/grubmultiboot/mbsup/domain"
)

// Runner implements domain.HelperRunner by invoking real binaries. Paths
// are overridable for testing with stub scripts.
type Runner struct {
	DdPath      string
	LosetupPath string
	E2fsckPath  string
	CpPath      string
	ChmodPath   string
	MkfsExt4Path string
	SedPath     string
	ShPath      string
}

func New() *Runner {
	return &Runner{
		DdPath:       "/system/bin/dd",
		LosetupPath:  "/system/bin/losetup",
		E2fsckPath:   "/multiboot/e2fsck",
		CpPath:       "/system/bin/cp",
		ChmodPath:    "/system/bin/chmod",
		MkfsExt4Path: "/system/bin/mkfs.ext4",
		SedPath:      "/system/bin/sed",
		ShPath:       "/system/bin/sh",
	}
}

func (r *Runner) run(op string, path string, args ...string) error {
	cmd := exec.Command(path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return domain.NewError(domain.Helper, op, fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

// Dd mirrors `dd if=IF of=OF bs=BS count=COUNT` (image creation, §6).
func (r *Runner) Dd(ifPath, ofPath string, bs, count int) error {
	return r.run("dd", r.DdPath,
		"if="+ifPath, "of="+ofPath,
		"bs="+strconv.Itoa(bs), "count="+strconv.Itoa(count))
}

// Losetup mirrors `losetup [-r] DEV FILE`.
func (r *Runner) Losetup(readonly bool, dev, file string) error {
	args := []string{}
	if readonly {
		args = append(args, "-r")
	}
	args = append(args, dev, file)
	return r.run("losetup", r.LosetupPath, args...)
}

// LosetupDetach mirrors `losetup -d DEV`.
func (r *Runner) LosetupDetach(dev string) error {
	return r.run("losetup-detach", r.LosetupPath, "-d", dev)
}

// E2fsck mirrors `e2fsck -y DEV` or `-fy DEV` for the no-mount case.
func (r *Runner) E2fsck(dev string, noMount bool) error {
	flag := "-y"
	if noMount {
		flag = "-fy"
	}
	return r.run("e2fsck", r.E2fsckPath, flag, dev)
}

// MkfsExt4 mirrors `mkfs.ext4 PATH`.
func (r *Runner) MkfsExt4(path string) error {
	return r.run("mkfs.ext4", r.MkfsExt4Path, path)
}

// Cp mirrors `cp [-R] [-f] SRC DST`.
func (r *Runner) Cp(recursive, force bool, src, dst string) error {
	args := []string{}
	if recursive {
		args = append(args, "-R")
	}
	if force {
		args = append(args, "-f")
	}
	args = append(args, src, dst)
	return r.run("cp", r.CpPath, args...)
}

// Chmod mirrors `chmod [-R] MODE PATH`.
func (r *Runner) Chmod(recursive bool, mode string, path string) error {
	args := []string{}
	if recursive {
		args = append(args, "-R")
	}
	args = append(args, mode, path)
	return r.run("chmod", r.ChmodPath, args...)
}

// SedInPlace mirrors `sed -i EXPR FILE` (fstab patching, §6).
func (r *Runner) SedInPlace(expr, file string) error {
	return r.run("sed", r.SedPath, "-i", expr, file)
}

// PurgeContents mirrors `sh -c 'rm -Rf DIR/*'`: a recursive, content-only
// remove used on Bind-target reformat detection (§4.D close hook). This is
// the one helper that must go through a shell (for the glob expansion); the
// directory is never attacker/user-controlled input, only a slot-relative
// path the supervisor itself constructed.
func (r *Runner) PurgeContents(dir string) error {
	return r.run("purge", r.ShPath, "-c", fmt.Sprintf("rm -Rf %s/*", shellQuote(dir)))
}

// shellQuote wraps dir in single quotes, escaping any embedded single quote,
// since PurgeContents is the sole helper that must pass through a shell.
func shellQuote(dir string) string {
	out := "'"
	for _, r := range dir {
		if r == '\'' {
			out += `'\''`
		} else {
			out += string(r)
		}
	}
	return out + "'"
}

var _ domain.HelperRunner = (*Runner)(nil)
