package domain

// HookSpec is the static table entry driving the Syscall Rewriter (§3
// "Hook Spec"). ArgIndex is 0-based relative to the syscall's own argument
// tuple (not the raw register array).
type HookSpec struct {
	Name              string
	ArgIndex          int
	ResolveSymlinks   bool
	AtFlagsArgIndex   int // -1 if this hook has no AT_* flags argument
	SyscallNum        int // resolved per-ABI at registration time
}

const NoAtFlagsArg = -1

// PathArgHooks is the "path-arg family" from spec §4.D, table-driven so the
// Syscall Rewriter applies one code path to all of them.
var PathArgHooks = []HookSpec{
	{Name: "stat", ArgIndex: 0, ResolveSymlinks: true, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "lstat", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "newstat", ArgIndex: 0, ResolveSymlinks: true, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "newlstat", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "stat64", ArgIndex: 0, ResolveSymlinks: true, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "lstat64", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "chmod", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "access", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "chown", ArgIndex: 0, ResolveSymlinks: true, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "lchown", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "chown16", ArgIndex: 0, ResolveSymlinks: true, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "lchown16", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "utime", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "utimes", ArgIndex: 0, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "open", ArgIndex: 0, ResolveSymlinks: true, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "openat", ArgIndex: 1, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "futimesat", ArgIndex: 1, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "faccessat", ArgIndex: 1, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "fchmodat", ArgIndex: 1, ResolveSymlinks: false, AtFlagsArgIndex: NoAtFlagsArg},
	{Name: "fchownat", ArgIndex: 1, ResolveSymlinks: false, AtFlagsArgIndex: 4},
	{Name: "newfstatat", ArgIndex: 1, ResolveSymlinks: true, AtFlagsArgIndex: 3},
	{Name: "fstatat64", ArgIndex: 1, ResolveSymlinks: true, AtFlagsArgIndex: 3},
	{Name: "utimensat", ArgIndex: 1, ResolveSymlinks: false, AtFlagsArgIndex: 3},
}

// FDLifecycleHooks is the "FD lifecycle" family (§4.D), handled by the
// Per-Descriptor FS Tracker rather than by path substitution.
var FDLifecycleHooks = []string{"close", "dup", "dup2", "dup3", "fcntl", "fcntl64"}

// MountHookName is handled specially (§4.D "Mount hook additions").
const MountHookName = "mount"
