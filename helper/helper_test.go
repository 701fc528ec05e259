package helper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grubmultiboot/mbsup/domain"
)

// writeFakeBin writes a trivial shell script standing in for a real binary,
// so tests exercise the real exec.Cmd plumbing without touching the host.
func writeFakeBin(t *testing.T, dir, name string, exitCode int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho \"$@\"\nexit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestRunnerSuccessAndFailure(t *testing.T) {
	dir := t.TempDir()
	r := New()
	r.DdPath = writeFakeBin(t, dir, "dd", 0)
	r.LosetupPath = writeFakeBin(t, dir, "losetup", 1)

	require.NoError(t, r.Dd("/src.img", "/dst.img", 512, 10))

	err := r.Losetup(true, "/dev/block/loop250", "/slot/data.img")
	require.Error(t, err)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, domain.Helper, derr.Kind)
}

func TestPurgeContentsShellEscapesQuotes(t *testing.T) {
	got := shellQuote(`/mnt/slot/o'data`)
	require.Equal(t, `'/mnt/slot/o'\''data'`, got)
}
