//go:build linux && amd64

package tracer

import "golang.org/x/sys/unix"

// amd64 syscall numbers for the hooked set (spec §4.D). Compat numbers that
// only exist on 32-bit ABIs (stat64, lstat64, fstatat64, chown16,
// lchown16) are absent on native amd64 and resolve to -1: the Syscall
// Rewriter skips registering a hook whose number is unresolved for the
// running ABI, the same "resolved at hook registration into a numeric
// syscall id for the native ABI" rule from spec §3 Hook Spec.
var amd64SyscallNumbers = map[string]int{
	"stat":       unix.SYS_STAT,
	"lstat":      unix.SYS_LSTAT,
	"newstat":    unix.SYS_STAT,
	"newlstat":   unix.SYS_LSTAT,
	"stat64":     -1,
	"lstat64":    -1,
	"chmod":      unix.SYS_CHMOD,
	"access":     unix.SYS_ACCESS,
	"open":       unix.SYS_OPEN,
	"chown":      unix.SYS_CHOWN,
	"lchown":     unix.SYS_LCHOWN,
	"chown16":    -1,
	"lchown16":   -1,
	"utime":      unix.SYS_UTIME,
	"utimes":     unix.SYS_UTIMES,
	"openat":     unix.SYS_OPENAT,
	"futimesat":  unix.SYS_FUTIMESAT,
	"faccessat":  unix.SYS_FACCESSAT,
	"fchmodat":   unix.SYS_FCHMODAT,
	"fchownat":   unix.SYS_FCHOWNAT,
	"newfstatat": unix.SYS_NEWFSTATAT,
	"fstatat64":  -1,
	"utimensat":  unix.SYS_UTIMENSAT,
	"mount":      unix.SYS_MOUNT,
	"close":      unix.SYS_CLOSE,
	"dup":        unix.SYS_DUP,
	"dup2":       unix.SYS_DUP2,
	"dup3":       unix.SYS_DUP3,
	"fcntl":      unix.SYS_FCNTL,
	"fcntl64":    -1,
	"mmap":       unix.SYS_MMAP,
	"munmap":     unix.SYS_MUNMAP,
}

// Amd64SyscallNumbers exposes the resolved amd64 ABI table to callers
// outside the package (the entrypoint wires it into NewRewriter).
func Amd64SyscallNumbers() map[string]int { return amd64SyscallNumbers }

// scArg reads the idx'th (0-based) syscall argument from the amd64 System V
// register convention: rdi, rsi, rdx, r10, r8, r9.
func scArg(regs *unix.PtraceRegs, idx int) uint64 {
	switch idx {
	case 0:
		return regs.Rdi
	case 1:
		return regs.Rsi
	case 2:
		return regs.Rdx
	case 3:
		return regs.R10
	case 4:
		return regs.R8
	case 5:
		return regs.R9
	default:
		return 0
	}
}

func scSetArg(regs *unix.PtraceRegs, idx int, v uint64) {
	switch idx {
	case 0:
		regs.Rdi = v
	case 1:
		regs.Rsi = v
	case 2:
		regs.Rdx = v
	case 3:
		regs.R10 = v
	case 4:
		regs.R8 = v
	case 5:
		regs.R9 = v
	}
}

func scNum(regs *unix.PtraceRegs) int64   { return int64(regs.Orig_rax) }
func scSetNum(regs *unix.PtraceRegs, n int64) { regs.Orig_rax = uint64(n) }
func scRet(regs *unix.PtraceRegs) int64   { return int64(regs.Rax) }
func scSetRet(regs *unix.PtraceRegs, v int64) { regs.Rax = uint64(v) }

// syscallInstrSize is the length of the amd64 `syscall` opcode (0f 05),
// used to rewind RIP so a freshly-injected syscall is re-executed at the
// same trap site instead of falling through to whatever follows it.
const syscallInstrSize = 2
