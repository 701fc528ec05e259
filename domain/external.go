package domain

import "io"

// FstabRecord is one parsed fstab line (§6), normalized regardless of
// whether the source used the standard or TWRP column order.
type FstabRecord struct {
	BlockDevice string
	MountPoint  string
	FsType      string
	MountFlags  uint64
	MgrFlags    FsMgrFlags
}

// FsMgrFlags is the recognized fs_mgr_flags vocabulary (§6). The core
// consumes only Multiboot, Wait, Check; the rest are parsed so the fstab
// patcher can round-trip unrecognized records untouched.
type FsMgrFlags struct {
	Multiboot     bool
	Wait          bool
	Check         bool
	Voldmanaged   string
	Length        int64
	Encryptable   string
	SwapPrio      int
	ZramSize      uint64
	Verify        bool
	NoEmulatedSD  bool
	RecoveryOnly  bool
	NonRemovable  bool
}

// FstabParser reads and parses a multiboot/TWRP-style fstab file.
type FstabParser interface {
	Parse(r io.Reader) ([]FstabRecord, error)
	ParseFile(path string) ([]FstabRecord, error)
}

// BlockDevice is one entry enumerated from /sys/class/block/*/uevent.
type BlockDevice struct {
	DevName   string
	PartName  string
	Major     int
	Minor     int
	PartN     int
	DevType   string
}

// BlockEnumerator resolves by-name aliases and waits for nodes to appear
// (§6, §5 "bounded poll with 10ms backoff").
type BlockEnumerator interface {
	Enumerate() ([]BlockDevice, error)
	ResolveByName(name string) (string, error)
	WaitForNode(path string, timeoutMs int) error
}

// HelperRunner spawns the opaque subprocess helpers of §6 via an argv
// vector (Design Notes §9); PurgeContents alone runs a shell command
// string, for the glob in its recursive content-only remove.
type HelperRunner interface {
	Dd(ifPath, ofPath string, bs, count int) error
	Losetup(readonly bool, dev, file string) error
	LosetupDetach(dev string) error
	E2fsck(dev string, noMount bool) error
	MkfsExt4(path string) error
	Cp(recursive, force bool, src, dst string) error
	Chmod(recursive bool, mode string, path string) error
	SedInPlace(expr, file string) error
	PurgeContents(dir string) error
}

// Klog is the kernel log writer (§6): structured logging mirrored to
// /dev/kmsg when available, gated by multiboot.debug=N.
type Klog interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// ModuleDescriptor is the Design Notes §9 replacement for plugin modules
// installed via constructor side-effects: an explicit ordered list built at
// program start, each entry carrying optional stage callbacks.
type ModuleDescriptor struct {
	Name       string
	EarlyInit  func(SupervisorStateIface) error
	FstabInit  func(SupervisorStateIface, []FstabRecord) error
	TracyInit  func(SupervisorStateIface) error
	ChildCreate func(ChildArena) error
	ChildDestroy func(ChildArena) error
	HookMount  func(SupervisorStateIface, *MountSyscallArgs) (handled bool, err error)
}

// MountSyscallArgs is the decoded argument tuple of a mount(2) call, passed
// to HookMount descriptors (§4.D "Mount hook additions").
type MountSyscallArgs struct {
	Source string
	Target string
	FsType string
	Flags  uintptr
	Data   string
}
