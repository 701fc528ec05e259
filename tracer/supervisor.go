//go:build linux

package tracer

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/grubmultiboot/mbsup/domain"
)

// syscallTrapSignal is the signal value a syscall-entry/exit stop reports
// once PTRACE_O_TRACESYSGOOD is armed: ordinary SIGTRAP with the high bit
// set, distinguishing it from a plain signal-delivery stop (spec §4.D,
// "resolved at hook registration", and ptrace(2) TRACESYSGOOD).
const syscallTrapSignal = syscall.SIGTRAP | 0x80

// Supervisor is components G (state gating, owned by domain.SupervisorStateIface)
// and H (Child Lifecycle Manager): the single-threaded cooperative event
// loop of spec §5, multiplexing every traced pid.
//
// The loop itself runs on one goroutine; a second goroutine drains a
// signalfd for SIGUSR1 "attach on demand" requests and hands them to the
// loop over a channel, so dispatch is never concurrent with itself even
// though the attach trigger arrives asynchronously.
type Supervisor struct {
	st       domain.SupervisorStateIface
	rewriter *Rewriter
	klog     domain.Klog
	modules  []domain.ModuleDescriptor

	mu     sync.Mutex
	arenas map[int]*childArena
}

func NewSupervisor(st domain.SupervisorStateIface, rewriter *Rewriter, klog domain.Klog, modules []domain.ModuleDescriptor) *Supervisor {
	return &Supervisor{
		st:       st,
		rewriter: rewriter,
		klog:     klog,
		modules:  modules,
		arenas:   make(map[int]*childArena),
	}
}

// Spawn starts argv[0] under ptrace (PTRACE_TRACEME via SysProcAttr),
// waits for its initial exec-stop, arms tracing options, and registers its
// Child Arena. This is how the Supervisor obtains its first tracee --
// ordinarily the downstream /init (spec §4.G: HooksLive requires "the
// first child has been spawned").
func (s *Supervisor) Spawn(argv []string, env []string) (pid int, err error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return 0, domain.NewError(domain.StageTransition, "Spawn", err)
	}
	pid = cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, domain.NewError(domain.StageTransition, "Spawn.wait", err)
	}
	if err := ptraceSetOptions(pid); err != nil {
		return 0, domain.NewError(domain.StageTransition, "Spawn.setoptions", err)
	}
	s.createArena(pid)
	if err := ptraceContToSyscall(pid); err != nil {
		return 0, domain.NewError(domain.StageTransition, "Spawn.cont", err)
	}
	return pid, nil
}

// AttachOnDemand seizes an already-running, separately-spawned process
// (spec §4.H: "a wrapper for the platform volume manager") so it joins
// the traced tree. It is invoked from the SIGUSR1 signalfd reader with
// the signaling process's pid.
func (s *Supervisor) AttachOnDemand(pid int) error {
	if s.arenaFor(pid) != nil {
		// Already traced, e.g. a duplicate SIGUSR1 from a retrying caller.
		return nil
	}
	if err := ptraceAttach(pid); err != nil {
		return domain.NewError(domain.StageTransition, "AttachOnDemand", err)
	}
	if err := ptraceSetOptions(pid); err != nil {
		return domain.NewError(domain.StageTransition, "AttachOnDemand.setoptions", err)
	}
	s.createArena(pid)
	return ptraceContToSyscall(pid)
}

// ListenForAttachRequests opens a signalfd on SIGUSR1 and forwards every
// sender's pid to AttachOnDemand until stop is closed. Grounded on the
// same golang.org/x/sys/unix signalfd surface the teacher's ipc layer
// uses for out-of-band control messages.
func (s *Supervisor) ListenForAttachRequests(stop <-chan struct{}) error {
	var set unix.Sigset_t
	set.Val[0] = 1 << (uint(unix.SIGUSR1) - 1)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return fmt.Errorf("tracer: block SIGUSR1: %w", err)
	}
	fd, err := unix.Signalfd(-1, &set, 0)
	if err != nil {
		return fmt.Errorf("tracer: signalfd: %w", err)
	}
	go func() {
		defer unix.Close(fd)
		buf := make([]byte, unix.SizeofSignalfdSiginfo)
		for {
			select {
			case <-stop:
				return
			default:
			}
			n, err := unix.Read(fd, buf)
			if err != nil || n != len(buf) {
				continue
			}
			info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
			if err := s.AttachOnDemand(int(info.Pid)); err != nil {
				s.klog.Warnf("attach-on-demand pid %d: %v", info.Pid, err)
			}
		}
	}()
	return nil
}

func (s *Supervisor) createArena(pid int) *childArena {
	s.mu.Lock()
	defer s.mu.Unlock()
	if arena, ok := s.arenas[pid]; ok {
		return arena
	}
	arena := newChildArena(uint32(pid))
	s.arenas[pid] = arena
	for _, m := range s.modules {
		if m.ChildCreate == nil {
			continue
		}
		if err := m.ChildCreate(arena); err != nil {
			s.klog.Warnf("module %s ChildCreate pid %d: %v", m.Name, pid, err)
		}
	}
	return arena
}

func (s *Supervisor) destroyArena(pid int) {
	s.mu.Lock()
	arena, ok := s.arenas[pid]
	delete(s.arenas, pid)
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, fdi := range arena.FDs().All() {
		s.klog.Warnf("pid %d exited with unclosed fd %d (%s)", pid, fdi.Fd, fdi.Filename)
	}
	for _, m := range s.modules {
		if m.ChildDestroy == nil {
			continue
		}
		if err := m.ChildDestroy(arena); err != nil {
			s.klog.Warnf("module %s ChildDestroy pid %d: %v", m.Name, pid, err)
		}
	}
}

func (s *Supervisor) arenaFor(pid int) *childArena {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arenas[pid]
}

// Run is the event loop: it harvests every ptrace-visible event across all
// traced pids until none remain (ECHILD), dispatching each to completion
// before observing the next (spec §5).
func (s *Supervisor) Run() error {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == unix.ECHILD {
				return nil
			}
			return domain.NewError(domain.TraceeMemory, "Run.wait4", err)
		}
		s.dispatch(pid, ws)
	}
}

func (s *Supervisor) dispatch(pid int, ws unix.WaitStatus) {
	switch {
	case ws.Exited(), ws.Signaled():
		s.destroyArena(pid)

	case ws.Stopped():
		sig := ws.StopSignal()
		switch {
		case sig == syscallTrapSignal:
			s.dispatchSyscallStop(pid)
		case sig == syscall.SIGTRAP:
			s.dispatchTrapEvent(pid, ws)
		default:
			// Ordinary signal-delivery stop: forward it unmolested.
			_ = unix.PtraceSyscall(pid, int(sig))
		}

	default:
		// Group-stop or continued notification carries no hookable event.
		_ = unix.PtraceSyscall(pid, 0)
	}
}

func (s *Supervisor) dispatchSyscallStop(pid int) {
	arena := s.createArena(pid)

	var outcome Outcome
	var err error
	if arena.enteringSyscall {
		outcome, err = s.rewriter.HandleEntry(pid, arena)
		arena.enteringSyscall = false
	} else {
		err = s.rewriter.HandleExit(pid, arena)
		arena.enteringSyscall = true
	}

	if err != nil {
		s.klog.Warnf("pid %d syscall handling: %v", pid, err)
	}
	if outcome == OutcomeAbort {
		_ = unix.Kill(pid, unix.SIGKILL)
		return
	}
	_ = ptraceContToSyscall(pid)
}

func (s *Supervisor) dispatchTrapEvent(pid int, ws unix.WaitStatus) {
	switch ws.TrapCause() {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		if msg, err := unix.PtraceGetEventMsg(pid); err == nil {
			s.createArena(int(msg))
		}
		_ = ptraceContToSyscall(pid)
	case unix.PTRACE_EVENT_EXEC:
		// The tracee keeps its pid across exec; its Child Arena (and any
		// still-open FD Info) stays valid, matching fd semantics across
		// exec in the real kernel.
		_ = ptraceContToSyscall(pid)
	default:
		_ = ptraceContToSyscall(pid)
	}
}
