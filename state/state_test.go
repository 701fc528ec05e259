package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grubmultiboot/mbsup/domain"
	"github.com/grubmultiboot/mbsup/registry"
)

func TestAdvanceHappyPath(t *testing.T) {
	s := New(registry.New())
	require.Equal(t, domain.StageNone, s.Stage())

	require.NoError(t, s.Advance(domain.StageEarly))
	require.NoError(t, s.Advance(domain.StageFstabLoaded))
	require.NoError(t, s.Advance(domain.StageHooksLive))
	require.Equal(t, domain.StageHooksLive, s.Stage())
}

func TestAdvanceRejectsSkippingStage(t *testing.T) {
	s := New(registry.New())
	err := s.Advance(domain.StageFstabLoaded)
	require.Error(t, err)
	require.Equal(t, domain.StageNone, s.Stage())
}

func TestAdvanceRejectsGoingBackward(t *testing.T) {
	s := New(registry.New())
	require.NoError(t, s.Advance(domain.StageEarly))
	require.NoError(t, s.Advance(domain.StageFstabLoaded))

	err := s.Advance(domain.StageEarly)
	require.Error(t, err)
	require.Equal(t, domain.StageFstabLoaded, s.Stage())
}

func TestConfigAndSlotPath(t *testing.T) {
	s := New(registry.New())
	s.SetSlotPath("/mnt/slot")
	s.SetConfig(domain.BootConfig{MultibootEnabled: true})

	require.Equal(t, "/mnt/slot", s.SlotPath())
	require.True(t, s.Config().MultibootEnabled)
}
