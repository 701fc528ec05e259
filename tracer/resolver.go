//go:build linux

package tracer

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/grubmultiboot/mbsup/domain"
)

// memReader abstracts tracee-memory reads so the resolver is testable
// without a real ptrace stop (spec §4.B). lstatter/realpather are likewise
// seams for tests; production code uses ptraceReadBytes, os.Lstat and
// filepath.EvalSymlinks.
type memReader func(pid int, addr uintptr, n int) ([]byte, error)
type lstatter func(path string) (isSymlink bool, err error)
type realpather func(path string) (string, error)

// Resolver is component B: given a tracee path argument, decides whether it
// names a registered target, respecting per-syscall symlink-follow
// semantics.
type Resolver struct {
	readMem  memReader
	lstat    lstatter
	realpath realpather
}

func NewResolver() *Resolver {
	return &Resolver{
		readMem: ptraceReadBytes,
		lstat: func(path string) (bool, error) {
			fi, err := os.Lstat(path)
			if err != nil {
				return false, err
			}
			return fi.Mode()&os.ModeSymlink != 0, nil
		},
		realpath: filepath.EvalSymlinks,
	}
}

// ReadPath reads and NUL-terminates a path argument from the tracee's
// address space, bounded to PathMax+1 bytes (spec §4.B, §8 boundary:
// PATH_MAX accepted, PATH_MAX+1 rejected).
func (r *Resolver) ReadPath(pid int, addr uintptr) (string, error) {
	if addr == 0 {
		return "", nil
	}

	raw, err := r.readMem(pid, addr, PathMax+1)
	if err != nil {
		return "", domain.NewError(domain.TraceeMemory, "ReadPath", err)
	}

	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", domain.NewError(domain.PathTooLong, "ReadPath", nil)
	}
	return string(raw[:nul]), nil
}

// Resolve applies the §4.B symlink policy: absolute paths are optionally
// realpath'd when the syscall semantics dereference symlinks; non-absolute
// AT_* paths are never resolved (the caller's directory fd governs them),
// but substitution still proceeds against the captured literal path.
func (r *Resolver) Resolve(path string, followSymlinks bool) string {
	if path == "" {
		return path
	}
	if !filepath.IsAbs(path) {
		return path
	}
	if !followSymlinks {
		return path
	}
	if resolved, err := r.realpath(path); err == nil {
		return resolved
	}
	return path
}

// IsNofollowBlocked implements: "If the path names a symlink and the
// syscall is nofollow, lookup returns no-match even if the link's target
// would have matched" (spec §4.B).
func (r *Resolver) IsNofollowBlocked(path string, followSymlinks bool) bool {
	if followSymlinks || path == "" {
		return false
	}
	isLink, err := r.lstat(path)
	if err != nil {
		return false
	}
	return isLink
}
