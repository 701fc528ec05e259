//go:build linux

package tracer

import (
	"golang.org/x/sys/unix"

	"github.com/grubmultiboot/mbsup/domain"
)

// Outcome is what HandleEntry/HandleExit tell the supervisor to do with
// the tracee.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeAbort
)

// rdevStatter abstracts stat() for target-lookup-by-identity, matching
// get_fstab_rec's "use_stat = !stat(devname, &sb)" fallback chain.
type rdevStatter func(path string) (rdev uint64, ok bool)

func defaultRdevStatter(path string) (uint64, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Rdev), true
}

// Rewriter is component D: the Syscall Rewriter.
type Rewriter struct {
	st       domain.SupervisorStateIface
	mem      *MemoryBroker
	resolver *Resolver
	format   domain.FormatDetector
	klog     domain.Klog
	helper   domain.HelperRunner

	pathArgHooks map[int]resolvedHook
	fdHooks      map[int]string
	mountNum     int

	statRdev rdevStatter
	fsType   func(device string) string
}

func NewRewriter(
	st domain.SupervisorStateIface,
	mem *MemoryBroker,
	resolver *Resolver,
	format domain.FormatDetector,
	klog domain.Klog,
	helper domain.HelperRunner,
	numbers map[string]int,
) *Rewriter {
	return &Rewriter{
		st:           st,
		mem:          mem,
		resolver:     resolver,
		format:       format,
		klog:         klog,
		helper:       helper,
		pathArgHooks: buildPathArgHookTable(numbers),
		fdHooks:      buildFDLifecycleHookTable(numbers),
		mountNum:     numbers[domain.MountHookName],
		statRdev:     defaultRdevStatter,
		fsType:       func(string) string { return "" },
	}
}

// WithFsTypeProbe installs a real current-filesystem-type probe (e.g. a
// blkid-equivalent superblock sniff), used by the close hook to tell the
// Format Detector what fstype a device carries right now. Left at its
// zero-value no-op, WasFormat still works off the snapshot's own
// FsTypeSeen comparison.
func (rw *Rewriter) WithFsTypeProbe(probe func(device string) string) {
	rw.fsType = probe
}

// lookupTarget implements get_fstab_rec's identity match: rdev equality
// first when the path stats, then exact device-path string compare (spec
// §4.A).
func (rw *Rewriter) lookupTarget(path string) (*domain.Target, bool) {
	if rdev, ok := rw.statRdev(path); ok {
		if t, found := rw.st.Registry().LookupByRdev(rdev); found {
			return t, true
		}
	}
	return rw.st.Registry().LookupByDevPath(path)
}

// HandleEntry processes a syscall-entry stop for pid. arena is this
// tracee's Child Arena, owned by the Child Lifecycle Manager.
func (rw *Rewriter) HandleEntry(pid int, arena domain.ChildArena) (Outcome, error) {
	if rw.st.Stage() < domain.StageHooksLive {
		return OutcomeContinue, nil
	}

	regs, err := ptraceGetRegs(pid)
	if err != nil {
		return OutcomeAbort, domain.NewError(domain.TraceeMemory, "HandleEntry.getregs", err)
	}
	num := int(scNum(&regs))

	switch {
	case rw.mountNum != 0 && num == rw.mountNum:
		return rw.handleMountEntry(pid, arena, &regs)
	case rw.isFDHook(num):
		return rw.handleFDHookEntry(arena, &regs, rw.fdHooks[num])
	default:
		if spec, ok := rw.pathArgHooks[num]; ok {
			return rw.handlePathArgEntry(pid, arena, &regs, spec.HookSpec)
		}
	}
	return OutcomeContinue, nil
}

func (rw *Rewriter) isFDHook(num int) bool {
	_, ok := rw.fdHooks[num]
	return ok
}

func (rw *Rewriter) handlePathArgEntry(pid int, arena domain.ChildArena, regs *unix.PtraceRegs, spec domain.HookSpec) (Outcome, error) {
	pathAddr := uintptr(scArg(regs, spec.ArgIndex))
	path, err := rw.resolver.ReadPath(pid, pathAddr)
	if err != nil {
		if derr, ok := err.(*domain.Error); ok && derr.Kind == domain.PathTooLong {
			return OutcomeAbort, err
		}
		return OutcomeContinue, nil
	}
	if path == "" {
		return OutcomeContinue, nil
	}

	var atFlags uint64
	if spec.AtFlagsArgIndex != domain.NoAtFlagsArg {
		atFlags = scArg(regs, spec.AtFlagsArgIndex)
	}
	isOpenFamily := spec.Name == "open" || spec.Name == "openat"
	var openFlags uint64
	if isOpenFamily {
		// open(path, flags, ...) / openat(dirfd, path, flags, ...): flags
		// is the argument immediately after the path.
		openFlags = scArg(regs, spec.ArgIndex+1)
	}

	follow := effectiveFollowSymlinks(spec, atFlags, openFlags, isOpenFamily)
	if rw.resolver.IsNofollowBlocked(path, follow) {
		return OutcomeContinue, nil
	}
	resolved := rw.resolver.Resolve(path, follow)

	target, found := rw.lookupTarget(resolved)
	if !found {
		return OutcomeContinue, nil
	}

	readOnly := isOpenFamily && isReadOnlyOpen(openFlags)
	substitute, passthrough := decidePathArgSubstitution(target, readOnly)
	if passthrough {
		return OutcomeContinue, nil
	}

	if err := rw.rewriteArg(pid, arena, regs, spec.ArgIndex, substitute); err != nil {
		return OutcomeAbort, err
	}

	if isOpenFamily {
		arena.SetPendingPath(resolved)
		arena.SetHandledByOpen(true)
	}
	return OutcomeContinue, nil
}

func (rw *Rewriter) handleMountEntry(pid int, arena domain.ChildArena, regs *unix.PtraceRegs) (Outcome, error) {
	sourceAddr := uintptr(scArg(regs, 0))
	source, err := rw.resolver.ReadPath(pid, sourceAddr)
	if err != nil || source == "" {
		return OutcomeContinue, nil
	}

	// A mount whose target path matches a pre-registered mountpoint (e.g.
	// the Android secure-container staging point) is redirected regardless
	// of what source device it names -- the staging mount is set up fresh
	// by vold on every use, so there is no stable source device to key off
	// (spec §4.D "Mount hook additions").
	target, found := rw.lookupTargetByMountpoint(pid, regs)
	if !found {
		target, found = rw.lookupTarget(source)
	}
	if !found {
		return OutcomeContinue, nil
	}

	flags := uintptr(scArg(regs, 3))
	device, newFlags, zeroFsType := decideMountSubstitution(target, flags)

	if err := rw.rewriteArg(pid, arena, regs, 0, device); err != nil {
		return OutcomeAbort, err
	}
	if zeroFsType {
		scSetArg(regs, 2, 0)
	}
	scSetArg(regs, 3, uint64(newFlags))
	if err := ptraceSetRegs(pid, regs); err != nil {
		return OutcomeAbort, domain.NewError(domain.TraceeMemory, "handleMountEntry.setregs", err)
	}
	return OutcomeContinue, nil
}

// lookupTargetByMountpoint reads the mount syscall's target-path argument
// (arg1) and matches it against the Target Registry's fstab mountpoints,
// the sentinel-mountpoint case of spec §4.D "Mount hook additions".
func (rw *Rewriter) lookupTargetByMountpoint(pid int, regs *unix.PtraceRegs) (*domain.Target, bool) {
	mountpointAddr := uintptr(scArg(regs, 1))
	mountpoint, err := rw.resolver.ReadPath(pid, mountpointAddr)
	if err != nil || mountpoint == "" {
		return nil, false
	}
	return rw.st.Registry().LookupByFstabMount(mountpoint)
}

// rewriteArg allocates tracee scratch for replacement, writes it, and
// rewrites the syscall's argIdx register to point at it (spec §4.D step 5).
// The scratch address is recorded on arena so the exit-stop protocol can
// release it once the kernel has consumed the argument.
func (rw *Rewriter) rewriteArg(pid int, arena domain.ChildArena, regs *unix.PtraceRegs, argIdx int, replacement string) error {
	addr, err := rw.mem.AllocateAndWrite(pid, nulTerminated(replacement))
	if err != nil {
		return err
	}
	scSetArg(regs, argIdx, uint64(addr))
	if err := ptraceSetRegs(pid, regs); err != nil {
		_ = rw.mem.Release(pid, addr)
		return domain.NewError(domain.TraceeMemory, "rewriteArg.setregs", err)
	}
	arena.SetScratchAddr(addr)
	return nil
}

func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// HandleExit processes the matching syscall-exit stop: it releases any
// scratch memory allocated at entry (spec §4.D step 6) and, for an
// open/openat that substituted a path, installs the resulting fd's FD
// Info in the tracker; for a dup/dup2/dup3 of a tracked fd it installs a
// clone of the source fd's FD Info under the new fd.
func (rw *Rewriter) HandleExit(pid int, arena domain.ChildArena) error {
	defer func() {
		arena.ClearPendingPath()
		arena.SetHandledByOpen(false)
	}()

	if addr, active := arena.ScratchAddr(); active {
		if err := rw.mem.Release(pid, addr); err != nil {
			rw.klog.Warnf("release scratch for pid %d: %v", pid, err)
		}
		arena.ClearScratchAddr()
	}

	pendingPath, hasPending := arena.PendingPath()
	if !arena.HandledByOpen() || !hasPending {
		return nil
	}

	regs, err := ptraceGetRegs(pid)
	if err != nil {
		return domain.NewError(domain.TraceeMemory, "HandleExit.getregs", err)
	}
	ret := scRet(&regs)
	if ret < 0 {
		return nil
	}

	var fdi *domain.FDInfo
	switch rw.fdHooks[int(scNum(&regs))] {
	case "dup", "dup2", "dup3":
		// The source fd is still in arg0 at the exit stop.
		if src, ok := arena.FDs().Lookup(int32(scArg(&regs, 0))); ok {
			fdi = src.Clone(int32(ret))
		}
	}
	if fdi == nil {
		target, found := rw.lookupTarget(pendingPath)
		if !found {
			return nil
		}
		fdi = buildFDInfo(arena.Pid(), int32(ret), pendingPath, target)
		if err := rw.format.Pre(fdi); err != nil {
			rw.klog.Warnf("format pre-snapshot for %s: %v", fdi.Device, err)
		}
	}
	if evicted, hadPrior := arena.FDs().Insert(int32(ret), fdi); hadPrior {
		rw.handleCloseFormatCheck(evicted)
	}
	return nil
}

func (rw *Rewriter) handleFDHookEntry(arena domain.ChildArena, regs *unix.PtraceRegs, name string) (Outcome, error) {
	switch name {
	case "close":
		fd := int32(scArg(regs, 0))
		if fdi, ok := arena.FDs().Remove(fd); ok {
			rw.handleCloseFormatCheck(fdi)
		}
	case "dup":
		src := int32(scArg(regs, 0))
		rw.copyPendingFromFd(arena, src)
	case "dup2", "dup3":
		src := int32(scArg(regs, 0))
		dst := int32(scArg(regs, 1))
		if existing, ok := arena.FDs().Remove(dst); ok {
			rw.handleCloseFormatCheck(existing)
		}
		rw.copyPendingFromFd(arena, src)
	case "fcntl", "fcntl64":
		cmd := scArg(regs, 1)
		fd := int32(scArg(regs, 0))
		if _, tracked := arena.FDs().Lookup(fd); tracked && changesAccessMode(cmd) {
			return OutcomeAbort, domain.NewError(domain.UnsupportedFcntl, "handleFDHookEntry", nil)
		}
	}
	return OutcomeContinue, nil
}

// changesAccessMode reports whether an fcntl command is treated as changing
// a fd's open-file access mode (spec §4.D "Fcntl"): every F_SETFL counts,
// whatever flags it carries; its flag argument is not inspected.
func changesAccessMode(cmd uint64) bool {
	const fSetFl = 4
	return cmd == fSetFl
}

// copyPendingFromFd marks a dup/dup2/dup3 target so the exit-stop handler
// installs a cloned FD Info once the new fd number is known.
func (rw *Rewriter) copyPendingFromFd(arena domain.ChildArena, fd int32) {
	if fdi, ok := arena.FDs().Lookup(fd); ok {
		arena.SetPendingPath(fdi.Filename)
		arena.SetHandledByOpen(true)
	}
}

func (rw *Rewriter) handleCloseFormatCheck(fdi *domain.FDInfo) {
	if fdi.Snapshot == nil {
		return
	}
	fstypeAtClose := rw.fsType(fdi.Device)
	if fstypeAtClose == "" {
		fstypeAtClose = fdi.FsType
	}
	was, err := rw.format.WasFormat(fdi, fstypeAtClose)
	if err != nil {
		rw.klog.Warnf("format detector: %v", err)
		return
	}
	rw.format.Cleanup(fdi)
	if !was || fdi.BindDir == "" {
		return
	}
	if err := rw.helper.PurgeContents(fdi.BindDir); err != nil {
		rw.klog.Warnf("purge %s after reformat: %v", fdi.BindDir, err)
	}
}
