// Package registry implements the Target Registry (spec.md §4.A): the
// mapping from observed block-device identity to redirection policy. The
// mountpoint index uses a radix tree, the same structure and package
// (github.com/hashicorp/go-immutable-radix) the teacher repo uses for its
// handler database (handler/handlerDB.go) and mount helper
// (mount/helper.go).
package registry

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/grubmultiboot/mbsup/domain"
)

// Registry implements domain.TargetRegistry. Registration mutates a plain
// map and an immutable radix tree under a mutex; once Freeze is called, no
// further mutation is permitted and lookups need no locking (spec §4.A
// "fixed after FstabLoaded; lookups are lock-free reads afterwards").
type Registry struct {
	mu sync.Mutex

	byDevPath map[string]*domain.Target
	byRdev    map[uint64]*domain.Target
	mountTree *iradix.Tree // key: mountpoint path, val: *domain.Target

	frozen bool
	all    []*domain.Target
}

func New() *Registry {
	return &Registry{
		byDevPath: make(map[string]*domain.Target),
		byRdev:    make(map[uint64]*domain.Target),
		mountTree: iradix.New(),
	}
}

// Register adds t to the registry. Duplicate registration (same dev path)
// is rejected with domain.DuplicateTarget. When two Targets collide on
// st_rdev (pathological fstab), the first registered wins; the second call
// still succeeds by dev-path key but is not reachable via LookupByRdev
// (spec §4.D "first registered wins; duplicates are logged at
// registration" — logging is the caller's responsibility via the returned
// ok flag from a prior LookupByRdev check).
func (r *Registry) Register(t *domain.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return domain.NewError(domain.StageTransition, "Register", errFrozen)
	}
	if _, exists := r.byDevPath[t.Identity.DevPath]; exists {
		return domain.NewError(domain.DuplicateTarget, "Register", nil)
	}

	r.byDevPath[t.Identity.DevPath] = t
	if t.Identity.HasRdev {
		if _, exists := r.byRdev[t.Identity.Rdev]; !exists {
			r.byRdev[t.Identity.Rdev] = t
		}
	}
	if t.Mountpoint != "" {
		tree, _, _ := r.mountTree.Insert([]byte(t.Mountpoint), t)
		r.mountTree = tree
	}
	r.all = append(r.all, t)
	return nil
}

func (r *Registry) LookupByDevPath(path string) (*domain.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byDevPath[path]
	return t, ok
}

func (r *Registry) LookupByRdev(rdev uint64) (*domain.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byRdev[rdev]
	return t, ok
}

// LookupByFstabMount performs a longest-prefix match on the mountpoint
// radix tree: a Target registered for "/data" also matches a query for
// "/data/media" (used when resolving a downstream init fstab's mountpoints
// against the multiboot fstab's targets).
func (r *Registry) LookupByFstabMount(mountpoint string) (*domain.Target, bool) {
	r.mu.Lock()
	tree := r.mountTree
	r.mu.Unlock()

	key := []byte(mountpoint)
	if v, ok := tree.Get(key); ok {
		return v.(*domain.Target), true
	}

	var best *domain.Target
	var bestLen int
	// Mountpoints number in the dozens at most (one per fstab partition),
	// so a direct walk for the longest-prefix match is simpler than
	// maintaining a second reversed-key tree just for this query.
	tree.Root().Walk(func(k []byte, v interface{}) bool {
		kp := string(k)
		if len(kp) <= len(key) && string(key[:len(kp)]) == kp && len(kp) > bestLen {
			best = v.(*domain.Target)
			bestLen = len(kp)
		}
		return false
	})
	return best, best != nil
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

func (r *Registry) All() []*domain.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Target, len(r.all))
	copy(out, r.all)
	return out
}

var errFrozen = registryFrozenError{}

type registryFrozenError struct{}

func (registryFrozenError) Error() string { return "registry is frozen" }

var _ domain.TargetRegistry = (*Registry)(nil)
