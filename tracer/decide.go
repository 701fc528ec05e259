package tracer

import "github.com/grubmultiboot/mbsup/domain"

// decidePathArgSubstitution implements spec §4.D step 4: "for BindMount
// targets the stub device is used by path-arg syscalls ... for LoopImage
// targets the loop device node path is used. Pure read-only open of a Bind
// target may pass through unchanged." readOnlyOpen must be false for all
// syscalls other than open/openat.
func decidePathArgSubstitution(t *domain.Target, readOnlyOpen bool) (substitute string, passthrough bool) {
	if t.IsBind() && readOnlyOpen {
		return "", true
	}
	return t.StubDevice(), false
}

// decideMountSubstitution implements spec §4.D "Mount hook additions": for
// Bind targets, the fstype pointer is zeroed and MS_BIND is OR'd into the
// flags; for both policies the device argument becomes the Target's
// replacement (the Bind source directory or the LoopImage device), not the
// stub.
func decideMountSubstitution(t *domain.Target, flags uintptr) (device string, newFlags uintptr, zeroFsType bool) {
	device = t.ReplacementTarget()
	newFlags = flags
	if t.IsBind() {
		newFlags |= msBind
		zeroFsType = true
	}
	return device, newFlags, zeroFsType
}

// msBind mirrors unix.MS_BIND without importing the unix package into this
// architecture-independent decision file.
const msBind = 0x1000

// effectiveFollowSymlinks applies spec §4.D step 2: start from the static
// table default, OR in AT_SYMLINK_NOFOLLOW from the AT_* flags argument
// when present, and for open/openat additionally suppress follow when
// O_NOFOLLOW is set.
func effectiveFollowSymlinks(spec domain.HookSpec, atFlags uint64, openFlags uint64, isOpenFamily bool) bool {
	follow := spec.ResolveSymlinks

	if spec.AtFlagsArgIndex != domain.NoAtFlagsArg && atFlags&atSymlinkNofollow != 0 {
		follow = false
	}
	if isOpenFamily && openFlags&oNofollow != 0 {
		follow = false
	}
	return follow
}

const (
	atSymlinkNofollow = 0x100
	oNofollow         = 0x20000
)

// isReadOnlyOpen reports whether openFlags names a read-only, non-creating
// open (the exemption in spec §4.D step 4).
func isReadOnlyOpen(openFlags uint64) bool {
	const oAccMode = 0x3 // O_RDONLY=0, O_WRONLY=1, O_RDWR=2
	const oCreat = 0x40
	return openFlags&oAccMode == 0 && openFlags&oCreat == 0
}

// buildFDInfo constructs the FD Info a successful open/openat (or a cloned
// dup) installs for fd against target: Device is the stub device substituted
// into the syscall (spec §4.D step 4), and BindDir carries the Bind policy's
// backing directory so the close hook's reformat purge (spec §4.D "Close
// hook") never has to re-derive it through a registry lookup keyed on a
// device path the registry was never indexed by.
func buildFDInfo(childPid uint32, fd int32, path string, t *domain.Target) *domain.FDInfo {
	fdi := &domain.FDInfo{
		ChildPid: childPid,
		Fd:       fd,
		Filename: path,
		FsType:   t.FsType,
		Device:   t.StubDevice(),
	}
	if t.IsBind() {
		fdi.BindDir = t.Policy.(domain.BindPolicy).SourceDir
	}
	return fdi
}
