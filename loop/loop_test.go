package loop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateStubImageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stub.img")
	require.NoError(t, CreateStubImage(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(StubImageSize), info.Size())
}

func TestFindFreeRequiresLoopControl(t *testing.T) {
	if _, err := os.Stat("/dev/loop-control"); err != nil {
		t.Skip("no /dev/loop-control in this environment")
	}
	dev, err := FindFree()
	require.NoError(t, err)
	require.Contains(t, dev, "/dev/loop")
}
