// Package loop creates and binds loop devices backing LoopImage targets and
// Bind-target stub images (spec.md §3 "stub device", §6 "loop setup"
// helper). Design Notes §9 prefers a native ioctl over a shelled-out
// losetup when one exists; LOOP_SET_FD / LOOP_CLR_FD are exactly that kind
// of operation, so Setup/Detach use unix ioctls directly and only fall back
// to the helper.HelperRunner's `losetup` when a caller needs the legacy
// argv-vector path (e.g. to honor a device-file-based workaround toggle).
package loop

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	loopSetFd      = 0x4C00
	loopClrFd      = 0x4C01
	loopCtlGetFree = 0x4C82
)

// FindFree opens /dev/loop-control and allocates a free loop device node
// number via LOOP_CTL_GET_FREE, returning e.g. "/dev/loop250".
func FindFree() (string, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("loop: open /dev/loop-control: %w", err)
	}
	defer ctl.Close()

	n, _, errno := unix.Syscall(unix.SYS_IOCTL, ctl.Fd(), loopCtlGetFree, 0)
	if errno != 0 {
		return "", fmt.Errorf("loop: LOOP_CTL_GET_FREE: %w", errno)
	}
	return fmt.Sprintf("/dev/loop%d", n), nil
}

// Setup binds loopDev to backingFile via LOOP_SET_FD, the native
// equivalent of `losetup [-r] DEV FILE`. readonly opens the backing file
// O_RDONLY so the resulting loop device rejects writes at the block layer.
func Setup(loopDev, backingFile string, readonly bool) error {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}

	backing, err := os.OpenFile(backingFile, flags, 0)
	if err != nil {
		return fmt.Errorf("loop: open backing file %s: %w", backingFile, err)
	}
	defer backing.Close()

	dev, err := os.OpenFile(loopDev, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("loop: open %s: %w", loopDev, err)
	}
	defer dev.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.Fd(), loopSetFd, backing.Fd())
	if errno != 0 {
		return fmt.Errorf("loop: LOOP_SET_FD %s <- %s: %w", loopDev, backingFile, errno)
	}
	return nil
}

// Detach releases loopDev via LOOP_CLR_FD, the native equivalent of
// `losetup -d DEV`.
func Detach(loopDev string) error {
	dev, err := os.OpenFile(loopDev, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("loop: open %s: %w", loopDev, err)
	}
	defer dev.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.Fd(), loopClrFd, 0)
	if errno != 0 {
		return fmt.Errorf("loop: LOOP_CLR_FD %s: %w", loopDev, errno)
	}
	return nil
}

// StubImageSize is the size in bytes of a Bind-target stub image (spec
// Glossary: "a small (e.g., 5 MB) image").
const StubImageSize = 5 * 1024 * 1024

// CreateStubImage allocates an empty sparse file of StubImageSize at path,
// the backing file for a Bind target's stub loop device.
func CreateStubImage(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("loop: create stub image %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(StubImageSize); err != nil {
		return fmt.Errorf("loop: truncate stub image %s: %w", path, err)
	}
	return nil
}
