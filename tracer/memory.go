//go:build linux

package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/grubmultiboot/mbsup/domain"
)

// PathMax bounds every path read from, or written into, tracee memory
// (spec §4.B/§4.C/§8).
const PathMax = 4096

// MemoryBroker is component C: it allocates a scratch mapping inside a
// stopped tracee by injecting a remote mmap(2) call, and releases it with a
// remote munmap(2). The injection technique rewinds the tracee's
// instruction pointer back over the `syscall` opcode it just trapped on and
// re-executes it with substituted registers and syscall number -- the same
// register-clobber-and-rewind approach gVisor's ptrace platform
// (pkg/sentry/platform/ptrace/subprocess_linux.go) uses to run syscalls on
// behalf of a stopped stub thread.
type MemoryBroker struct{}

func NewMemoryBroker() *MemoryBroker { return &MemoryBroker{} }

// AllocateAndWrite performs an anonymous read/write mapping of at least
// PathMax bytes inside pid via a remotely-issued mmap, writes bytes into
// it, and returns the tracee address. Contract (spec §4.C): the caller
// must pair this with exactly one Release no later than the following
// syscall-exit stop.
func (b *MemoryBroker) AllocateAndWrite(pid int, bytes []byte) (uintptr, error) {
	if len(bytes) > PathMax {
		return 0, domain.NewError(domain.PathTooLong, "AllocateAndWrite", nil)
	}

	saved, err := ptraceGetRegs(pid)
	if err != nil {
		return 0, domain.NewError(domain.TraceeMemory, "AllocateAndWrite.getregs", err)
	}

	addr, err := b.remoteMmap(pid, &saved, uintptr(PathMax))
	if err != nil {
		return 0, domain.NewError(domain.TraceeMemory, "AllocateAndWrite.mmap", err)
	}

	// Restore the tracee's registers to their pre-injection state before
	// handing the address back: the caller still owns rewriting the
	// *original* syscall's arguments on top of this clean state.
	if err := ptraceSetRegs(pid, &saved); err != nil {
		return 0, domain.NewError(domain.TraceeMemory, "AllocateAndWrite.restore", err)
	}

	if err := ptraceWriteBytes(pid, addr, bytes); err != nil {
		b.munmap(pid, &saved, addr) //nolint:errcheck // best-effort unwind
		return 0, domain.NewError(domain.TraceeMemory, "AllocateAndWrite.write", err)
	}

	return addr, nil
}

// Release performs a remote munmap of the PathMax-byte region at addr.
func (b *MemoryBroker) Release(pid int, addr uintptr) error {
	saved, err := ptraceGetRegs(pid)
	if err != nil {
		return domain.NewError(domain.TraceeMemory, "Release.getregs", err)
	}
	if err := b.munmap(pid, &saved, addr); err != nil {
		return domain.NewError(domain.TraceeMemory, "Release.munmap", err)
	}
	return ptraceSetRegs(pid, &saved)
}

// remoteMmap injects "mmap(0, size, PROT_READ|PROT_WRITE,
// MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)" at the tracee's current trap site.
// saved must be the tracee's registers as observed at a syscall stop (RIP
// pointing just past the trapped `syscall` instruction).
func (b *MemoryBroker) remoteMmap(pid int, saved *unix.PtraceRegs, size uintptr) (uintptr, error) {
	regs := *saved
	scSetNum(&regs, unix.SYS_MMAP)
	scSetArg(&regs, 0, 0)                                            // addr
	scSetArg(&regs, 1, uint64(size))                                 // length
	scSetArg(&regs, 2, unix.PROT_READ|unix.PROT_WRITE)               // prot
	scSetArg(&regs, 3, uint64(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS))  // flags
	scSetArg(&regs, 4, ^uint64(0))                                   // fd = -1
	scSetArg(&regs, 5, 0)                                            // offset

	ret, err := b.injectSyscall(pid, &regs)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("tracer: remote mmap failed: errno %d", -ret)
	}
	return uintptr(ret), nil
}

func (b *MemoryBroker) munmap(pid int, saved *unix.PtraceRegs, addr uintptr) error {
	regs := *saved
	scSetNum(&regs, unix.SYS_MUNMAP)
	scSetArg(&regs, 0, uint64(addr))
	scSetArg(&regs, 1, uint64(PathMax))

	ret, err := b.injectSyscall(pid, &regs)
	if err != nil {
		return err
	}
	if ret < 0 {
		return fmt.Errorf("tracer: remote munmap failed: errno %d", -ret)
	}
	return nil
}

// injectSyscall rewinds RIP by the size of the `syscall` instruction the
// tracee just trapped on, installs regs (which must carry the desired
// Orig_rax and argument registers), single-steps it through entry and exit
// stops, and returns the raw return value in rax.
func (b *MemoryBroker) injectSyscall(pid int, regs *unix.PtraceRegs) (int64, error) {
	regs.Rip -= syscallInstrSize
	regs.Rax = regs.Orig_rax // kernel reads syscall# from rax pre-entry

	if err := ptraceSetRegs(pid, regs); err != nil {
		return 0, err
	}

	// Re-enter the syscall (entry stop for the injected call).
	if err := ptraceContToSyscall(pid); err != nil {
		return 0, err
	}
	if _, err := ptraceWait(pid); err != nil {
		return 0, err
	}

	// Exit stop for the injected call: rax now holds the result.
	if err := ptraceContToSyscall(pid); err != nil {
		return 0, err
	}
	if _, err := ptraceWait(pid); err != nil {
		return 0, err
	}

	out, err := ptraceGetRegs(pid)
	if err != nil {
		return 0, err
	}
	return scRet(&out), nil
}
