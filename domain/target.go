package domain

// Policy is a sum type distinguishing the two substitution strategies a
// Target Entry can carry. Design Notes §9 calls for a tagged type here
// rather than a boolean with an aliased "only meaningful for Bind" field.
type Policy interface {
	isPolicy()
}

// BindPolicy replaces a partition with a directory inside the slot. Writes
// land as files in SourceDir; StubDevice is a small loop-backed image used
// to satisfy block-level opens so format detection stays possible.
type BindPolicy struct {
	SourceDir  string
	StubDevice string
}

func (BindPolicy) isPolicy() {}

// LoopImagePolicy replaces a partition with a loopback-mounted raw image
// file. ReplacementDevice is both the path-arg substitute and the block
// device that satisfies opens.
type LoopImagePolicy struct {
	ImagePath         string
	ReplacementDevice string
}

func (LoopImagePolicy) isPolicy() {}

// Identity is the (block-device path, rdev) pair that names a Target. Rdev
// is authoritative when the path resolves to a stat-able node; the path
// string is the fallback.
type Identity struct {
	DevPath string
	Rdev    uint64
	HasRdev bool
}

// Target is one registered redirection entry (spec §3 "Target Entry").
type Target struct {
	Identity   Identity
	FsType     string // advisory
	Policy     Policy
	Mountpoint string // fstab mount point this target was declared under
}

// ReplacementTarget returns the path substituted into mount's device-path
// argument and into LoopImage path-arg syscalls.
func (t *Target) ReplacementTarget() string {
	switch p := t.Policy.(type) {
	case BindPolicy:
		return p.SourceDir
	case LoopImagePolicy:
		return p.ReplacementDevice
	default:
		return ""
	}
}

// StubDevice returns the device node substituted into path-arg syscalls
// (stat/open/chown/...) other than mount. For LoopImage targets this equals
// the replacement device.
func (t *Target) StubDevice() string {
	switch p := t.Policy.(type) {
	case BindPolicy:
		return p.StubDevice
	case LoopImagePolicy:
		return p.ReplacementDevice
	default:
		return ""
	}
}

// Ready reports the §3 invariant: both replacement target and stub device
// must be defined before HooksLive.
func (t *Target) Ready() bool {
	return t.ReplacementTarget() != "" && t.StubDevice() != ""
}

// IsBind reports whether t uses BindPolicy.
func (t *Target) IsBind() bool {
	_, ok := t.Policy.(BindPolicy)
	return ok
}

// TargetRegistry is component A. Lookups are lock-free reads once Freeze
// has been called (spec: "fixed after FstabLoaded").
type TargetRegistry interface {
	Register(t *Target) error
	LookupByDevPath(path string) (*Target, bool)
	LookupByFstabMount(mountpoint string) (*Target, bool)
	LookupByRdev(rdev uint64) (*Target, bool)
	Freeze()
	Frozen() bool
	All() []*Target
}
