package tracer

import (
	"sync"

	"github.com/grubmultiboot/mbsup/domain"
)

// fdTracker implements domain.FDTracker as a flat map; insertion order is
// irrelevant (spec §4.E). It is exclusively owned by one Child Arena, so no
// locking is required by the single-threaded cooperative event loop (spec
// §5) -- the mutex here exists only to make the type safe to inspect from
// a concurrent reporting/debug path without requiring the caller to know
// that detail.
type fdTracker struct {
	mu sync.Mutex
	m  map[int32]*domain.FDInfo
}

func newFDTracker() *fdTracker {
	return &fdTracker{m: make(map[int32]*domain.FDInfo)}
}

// Insert installs fdi under fd. If fd already has an entry (spec §4.E:
// "models a missed close, e.g. dup2 onto an open tracked fd"), the prior
// entry is evicted and returned so the caller can report and free it.
func (t *fdTracker) Insert(fd int32, fdi *domain.FDInfo) (*domain.FDInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prior, had := t.m[fd]
	t.m[fd] = fdi
	return prior, had
}

func (t *fdTracker) Lookup(fd int32) (*domain.FDInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fdi, ok := t.m[fd]
	return fdi, ok
}

func (t *fdTracker) Remove(fd int32) (*domain.FDInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fdi, ok := t.m[fd]
	delete(t.m, fd)
	return fdi, ok
}

func (t *fdTracker) All() []*domain.FDInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.FDInfo, 0, len(t.m))
	for _, fdi := range t.m {
		out = append(out, fdi)
	}
	return out
}

var _ domain.FDTracker = (*fdTracker)(nil)

// childArena implements domain.ChildArena: one per live tracee (spec §3).
type childArena struct {
	pid uint32

	scratchAddr   uintptr
	scratchActive bool

	pendingPath string
	pendingSet  bool

	handledByOpen bool

	// enteringSyscall tracks which half of the strictly-alternating
	// entry/exit stop pair (spec §5) this tracee is about to report next.
	enteringSyscall bool

	fds *fdTracker
}

func newChildArena(pid uint32) *childArena {
	return &childArena{pid: pid, fds: newFDTracker(), enteringSyscall: true}
}

func (c *childArena) Pid() uint32 { return c.pid }

func (c *childArena) ScratchAddr() (uintptr, bool) { return c.scratchAddr, c.scratchActive }

func (c *childArena) SetScratchAddr(addr uintptr) {
	c.scratchAddr = addr
	c.scratchActive = true
}

func (c *childArena) ClearScratchAddr() {
	c.scratchAddr = 0
	c.scratchActive = false
}

func (c *childArena) PendingPath() (string, bool) { return c.pendingPath, c.pendingSet }

func (c *childArena) SetPendingPath(path string) {
	c.pendingPath = path
	c.pendingSet = true
}

// ClearPendingPath is invoked unconditionally on every exit stop (Design
// Notes §9: "cleared unconditionally on every exit stop").
func (c *childArena) ClearPendingPath() {
	c.pendingPath = ""
	c.pendingSet = false
}

func (c *childArena) HandledByOpen() bool { return c.handledByOpen }

func (c *childArena) SetHandledByOpen(v bool) { c.handledByOpen = v }

func (c *childArena) FDs() domain.FDTracker { return c.fds }

var _ domain.ChildArena = (*childArena)(nil)
