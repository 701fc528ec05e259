//go:build linux

// Package tracer is the ptrace-based syscall redirection engine: the hard
// core of spec.md (§2 components B-H). This file holds the low-level
// ptrace primitives the rest of the package builds on, grounded on the
// register-injection technique described in gVisor's
// pkg/sentry/platform/ptrace/subprocess_linux.go and on the teacher's own
// golang.org/x/sys/unix usage for tracee-memory access
// (seccomp/memParserIOvec.go, seccomp/memParserProcfs.go).
package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ptraceAttach starts tracing pid, matching PTRACE_SEIZE + PTRACE_INTERRUPT
// semantics: it does not require the tracee to be a direct child and does
// not generate a spurious initial SIGSTOP.
func ptraceAttach(pid int) error {
	if err := unix.PtraceSeize(pid); err != nil {
		return fmt.Errorf("tracer: PTRACE_SEIZE %d: %w", pid, err)
	}
	if err := unix.PtraceInterrupt(pid); err != nil {
		return fmt.Errorf("tracer: PTRACE_INTERRUPT %d: %w", pid, err)
	}
	return nil
}

// ptraceSetOptions arms PTRACE_O_TRACESYSGOOD (so syscall-stop signals are
// distinguishable from ordinary SIGTRAP) and the clone/fork/exec follow
// options the Child Lifecycle Manager relies on (§4.H).
func ptraceSetOptions(pid int) error {
	opts := unix.PTRACE_O_TRACESYSGOOD |
		unix.PTRACE_O_TRACECLONE |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACEEXEC |
		unix.PTRACE_O_EXITKILL
	return unix.PtraceSetOptions(pid, opts)
}

// ptraceGetRegs reads the tracee's general-purpose register set.
func ptraceGetRegs(pid int) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return regs, fmt.Errorf("tracer: PTRACE_GETREGS %d: %w", pid, err)
	}
	return regs, nil
}

func ptraceSetRegs(pid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(pid, regs); err != nil {
		return fmt.Errorf("tracer: PTRACE_SETREGS %d: %w", pid, err)
	}
	return nil
}

// ptraceReadBytes reads n bytes from the tracee's address space at addr,
// preferring process_vm_readv (one syscall for arbitrarily sized reads,
// same primitive the teacher's memParserIOvec.go uses) and falling back to
// word-at-a-time PEEKDATA for kernels/sandboxes where process_vm_readv is
// unavailable.
func ptraceReadBytes(pid int, addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)

	local := []unix.Iovec{{Base: &buf[0], Len: uint64(n)}}
	remote := []unix.RemoteIovec{{Base: addr, Len: n}}
	if nr, err := unix.ProcessVMReadv(pid, local, remote, 0); err == nil && nr == n {
		return buf, nil
	}

	for off := 0; off < n; off += unix.SizeofPtr {
		var word [unix.SizeofPtr]byte
		if _, err := unix.PtracePeekData(pid, addr+uintptr(off), word[:]); err != nil {
			return nil, fmt.Errorf("tracer: PEEKDATA %d@%#x: %w", pid, addr+uintptr(off), err)
		}
		copy(buf[off:], word[:])
	}
	return buf, nil
}

// ptraceWriteBytes writes buf into the tracee's address space at addr, via
// process_vm_writev with a PTRACE_POKEDATA fallback.
func ptraceWriteBytes(pid int, addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	if nw, err := unix.ProcessVMWritev(pid, local, remote, 0); err == nil && nw == len(buf) {
		return nil
	}

	for off := 0; off < len(buf); off += unix.SizeofPtr {
		end := off + unix.SizeofPtr
		var word [unix.SizeofPtr]byte
		if end > len(buf) {
			// Partial final word: preserve the tail bytes already present
			// in the tracee so we don't clobber adjacent memory.
			existing, err := ptraceReadBytes(pid, addr+uintptr(off), unix.SizeofPtr)
			if err != nil {
				return err
			}
			copy(word[:], existing)
			copy(word[:], buf[off:])
		} else {
			copy(word[:], buf[off:end])
		}
		if _, err := unix.PtracePokeData(pid, addr+uintptr(off), word[:]); err != nil {
			return fmt.Errorf("tracer: POKEDATA %d@%#x: %w", pid, addr+uintptr(off), err)
		}
	}
	return nil
}

// ptraceContToSyscall resumes pid until its next syscall-entry or syscall-exit stop.
func ptraceContToSyscall(pid int) error {
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return fmt.Errorf("tracer: PTRACE_SYSCALL %d: %w", pid, err)
	}
	return nil
}

func ptraceWait(pid int) (status unix.WaitStatus, err error) {
	_, err = unix.Wait4(pid, &status, 0, nil)
	return status, err
}
