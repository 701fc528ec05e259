// Package blockdev enumerates block devices from /sys/class/block/*/uevent
// and resolves /dev/block/by-name/* aliases, grounded on grub4android's
// lib/uevent.c (spec.md §6).
package blockdev

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grubmultiboot/mbsup/domain"
)

const sysBlockPath = "/sys/class/block"

// Enumerator implements domain.BlockEnumerator against the real /sys and
// /dev trees. DevRoot/SysRoot are overridable for tests.
type Enumerator struct {
	SysRoot string
	DevRoot string
}

func New() *Enumerator {
	return &Enumerator{SysRoot: "/sys", DevRoot: "/dev"}
}

func (e *Enumerator) sysBlockDir() string {
	if e.SysRoot == "" {
		return sysBlockPath
	}
	return filepath.Join(e.SysRoot, "class", "block")
}

func (e *Enumerator) Enumerate() ([]domain.BlockDevice, error) {
	dir := e.sysBlockDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("opendir %s: %w", dir, err)
	}

	var devices []domain.BlockDevice
	for _, ent := range entries {
		ueventPath := filepath.Join(dir, ent.Name(), "uevent")
		bd, err := parseUevent(ueventPath)
		if err != nil {
			continue // matches add_uevent_entry's best-effort fopen
		}
		devices = append(devices, bd)
	}
	return devices, nil
}

func parseUevent(path string) (domain.BlockDevice, error) {
	var bd domain.BlockDevice

	f, err := os.Open(path)
	if err != nil {
		return bd, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)

		switch name {
		case "MAJOR":
			bd.Major, _ = strconv.Atoi(value)
		case "MINOR":
			bd.Minor, _ = strconv.Atoi(value)
		case "PARTN":
			bd.PartN, _ = strconv.Atoi(value)
		case "DEVNAME":
			bd.DevName = value
		case "PARTNAME":
			bd.PartName = value
		case "DEVTYPE":
			bd.DevType = value
		}
	}
	return bd, scanner.Err()
}

// ResolveByName resolves a /dev/block/by-name/NAME alias to its canonical
// /dev/DEVNAME path by matching PARTNAME across the uevent enumeration
// (the by-name symlinks themselves may not exist yet this early in boot).
func (e *Enumerator) ResolveByName(name string) (string, error) {
	devices, err := e.Enumerate()
	if err != nil {
		return "", err
	}
	for _, bd := range devices {
		if bd.PartName == name {
			return filepath.Join(e.devRoot(), bd.DevName), nil
		}
	}
	return "", fmt.Errorf("blockdev: no partition named %q", name)
}

func (e *Enumerator) devRoot() string {
	if e.DevRoot == "" {
		return "/dev"
	}
	return e.DevRoot
}

// WaitForNode polls for path to appear, matching fs_mgr.c's wait_for_file:
// bounded poll with a 10ms backoff, no indefinite block.
func (e *Enumerator) WaitForNode(path string, timeoutMs int) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("blockdev: timed out waiting for %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
