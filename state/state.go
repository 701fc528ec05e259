// Package state implements the Supervisor State Machine (spec.md §4.G): the
// single global instance of stage/config/registry that the Syscall
// Rewriter consults on every entry stop. Styled after the teacher's own
// "state" package: a small struct guarded by a mutex and owned exclusively
// by the top-level supervisor, passed down explicitly rather than reached
// through a package-level singleton (Design Notes §9).
package state

import (
	"sync"

	"github.com/grubmultiboot/mbsup/domain"
)

// State implements domain.SupervisorStateIface.
type State struct {
	mu sync.Mutex

	stage    domain.Stage
	bootMode domain.BootMode
	slotPath string
	cfg      domain.BootConfig
	registry domain.TargetRegistry
}

func New(registry domain.TargetRegistry) *State {
	return &State{
		stage:    domain.StageNone,
		bootMode: domain.BootNormal,
		registry: registry,
	}
}

func (s *State) Stage() domain.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Advance enforces stage monotonicity (spec §8 "no observed transition from
// HooksLive back to a lower stage") and the legal transition graph from
// §4.G (None -> Early -> FstabLoaded -> HooksLive, one step at a time).
func (s *State) Advance(to domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to <= s.stage {
		return domain.NewError(domain.StageTransition, "Advance",
			errNotForward(s.stage, to))
	}
	if to != s.stage+1 {
		return domain.NewError(domain.StageTransition, "Advance",
			errSkipsStage(s.stage, to))
	}
	s.stage = to
	return nil
}

func (s *State) BootMode() domain.BootMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootMode
}

// SetBootMode is not part of domain.SupervisorStateIface. New starts every
// State in BootNormal and nothing in this package detects a recovery
// binary; the boot mode changes only through this setter.
func (s *State) SetBootMode(m domain.BootMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootMode = m
}

func (s *State) SlotPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotPath
}

func (s *State) SetSlotPath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotPath = p
}

func (s *State) Config() domain.BootConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *State) SetConfig(c domain.BootConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = c
}

func (s *State) Registry() domain.TargetRegistry {
	return s.registry
}

type stageError struct {
	msg string
}

func (e stageError) Error() string { return e.msg }

func errNotForward(from, to domain.Stage) error {
	return stageError{msg: "stage " + to.String() + " does not move forward from " + from.String()}
}

func errSkipsStage(from, to domain.Stage) error {
	return stageError{msg: "stage " + to.String() + " skips an intermediate stage after " + from.String()}
}

var _ domain.SupervisorStateIface = (*State)(nil)
