// Command mbsup is the multiboot early-boot supervisor: it parses the
// kernel command line, loads the multiboot fstab, arms the ptrace-based
// Syscall Rewriter, spawns the real /init under trace, and runs the
// single-threaded event loop until every traced process has exited (spec.md
// §§1-5). Styled after the teacher's cmd/sysbox-fs/main.go: a urfave/cli
// app, a Setup()-staged service graph, pkg/profile hooks, and a
// signal-driven graceful-exit handler.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/grubmultiboot/mbsup/blockdev"
	"github.com/grubmultiboot/mbsup/cmdline"
	"github.com/grubmultiboot/mbsup/domain"
	"github.com/grubmultiboot/mbsup/fstab"
	"github.com/grubmultiboot/mbsup/helper"
	"github.com/grubmultiboot/mbsup/klog"
	"github.com/grubmultiboot/mbsup/loop"
	"github.com/grubmultiboot/mbsup/registry"
	"github.com/grubmultiboot/mbsup/state"
	"github.com/grubmultiboot/mbsup/tracer"
)

const (
	slotMountBase  = "/mnt/multiboot"
	defaultFstab   = "/fstab.multiboot"
	realInitPath   = "/init.real"
	usage          = `mbsup early-boot supervisor

mbsup reads the kernel command line, rewrites every hooked syscall the
downstream init issues against multiboot-managed partitions, and redirects
them to a secondary-slot rootfs without touching the device's flashed
partitions.
`
)

// Globals populated at build time.
var (
	version  string
	commitId string
	builtAt  string
)

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }
	cpuOn := ctx.Bool("cpu-profiling")
	memOn := ctx.Bool("memory-profiling")
	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if cpuOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

// exitHandler mirrors the teacher's exitHandler goroutine: on a terminal
// signal it stops profiling, notifies systemd, and dumps a stack trace
// before exiting -- but it never unmounts anything, since mbsup holds no
// FUSE mount of its own.
func exitHandler(signalChan chan os.Signal, klog domain.Klog, prof interface{ Stop() }) {
	s := <-signalChan
	klog.Warnf("mbsup caught signal: %s", s)

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGSEGV:
		stacktrace := make([]byte, 32768)
		n := runtime.Stack(stacktrace, true)
		klog.Warnf("\n\n%s\n", string(stacktrace[:n]))
	}

	if prof != nil {
		prof.Stop()
	}
	os.Exit(1)
}

// execUntraced replaces the current process image with the real /init,
// bypassing the tracer entirely. It is the fallback path for every
// StageTransition / Cmdline setup failure (spec §7: "the device still
// boots").
func execUntraced(klog domain.Klog, reason string) {
	if klog != nil {
		klog.Warnf("falling back to untraced init: %s", reason)
	}
	if err := syscall.Exec(realInitPath, []string{realInitPath}, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "mbsup: exec %s failed: %v\n", realInitPath, err)
		os.Exit(1)
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "mbsup"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "fstab",
			Value: defaultFstab,
			Usage: "path to the multiboot fstab",
		},
		cli.BoolFlag{
			Name:  "twrp-fstab",
			Usage: "parse --fstab using the TWRP column order",
		},
		cli.StringFlag{
			Name:  "slot-base",
			Value: slotMountBase,
			Usage: "mountpoint under which the selected slot's rootfs is already mounted",
		},
		cli.BoolFlag{
			Name:   "dry-run",
			Usage:  "parse configuration and build the registry, then exec the untraced init",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("mbsup\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n", c.App.Version, commitId, builtAt)
	}

	app.Action = func(ctx *cli.Context) error {
		return run(ctx)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	fs := afero.NewOsFs()

	// Stage None -> Early is gated on a successful cmdline parse; an
	// unparsable cmdline as a whole (missing /proc/cmdline) disables
	// multiboot rather than aborting boot (spec §7 Cmdline).
	bootKlog := klog.New(0)
	cfg, err := cmdline.Parse(fs, bootKlog)
	if err != nil {
		execUntraced(bootKlog, err.Error())
		return nil
	}
	bootKlog = klog.New(cfg.DebugLevel)
	defer bootKlog.Close()

	if !cfg.MultibootEnabled {
		execUntraced(bootKlog, "multiboot.source not present on cmdline")
		return nil
	}

	reg := registry.New()
	st := state.New(reg)
	st.SetConfig(cfg)
	st.SetSlotPath(filepath.Join(ctx.String("slot-base"), cfg.SourceSubpath))

	if err := st.Advance(domain.StageEarly); err != nil {
		execUntraced(bootKlog, err.Error())
		return nil
	}

	helperRunner := helper.New()
	enumerator := blockdev.New()

	// multiboot.ums= bypasses the tracer entirely: the ums script is made
	// executable and exec'd in place of init, without ever arming hooks
	// (spec §6).
	if cfg.UmsScript != "" {
		if err := handleUmsHandoff(bootKlog, helperRunner, cfg); err != nil {
			bootKlog.Warnf("ums handoff failed, continuing with normal multiboot: %v", err)
		} else {
			if err := syscall.Exec(cfg.UmsScript, []string{cfg.UmsScript}, os.Environ()); err != nil {
				bootKlog.Warnf("exec ums script %s: %v", cfg.UmsScript, err)
			}
			execUntraced(bootKlog, "multiboot.ums script could not be exec'd")
			return nil
		}
	}

	records, err := fstab.New(ctx.Bool("twrp-fstab")).ParseFile(ctx.String("fstab"))
	if err != nil {
		execUntraced(bootKlog, err.Error())
		return nil
	}

	if err := populateRegistry(bootKlog, reg, enumerator, helperRunner, st.SlotPath(), records); err != nil {
		execUntraced(bootKlog, err.Error())
		return nil
	}
	if err := st.Advance(domain.StageFstabLoaded); err != nil {
		execUntraced(bootKlog, err.Error())
		return nil
	}
	reg.Freeze()

	if err := patchRealFstab(helperRunner, ctx.String("fstab"), ctx.Bool("twrp-fstab"), reg.All()); err != nil {
		bootKlog.Warnf("fstab patch failed, downstream file-read paths will see original devices: %v", err)
	}

	if ctx.Bool("dry-run") {
		execUntraced(bootKlog, "dry-run requested")
		return nil
	}

	rewriter := tracer.NewRewriter(st, tracer.NewMemoryBroker(), tracer.NewResolver(),
		tracer.NewExtFormatDetector(), bootKlog, helperRunner, amd64SyscallNumbers())

	modules := []domain.ModuleDescriptor{
		{
			Name: "android-hardware-hooks",
			EarlyInit: func(s domain.SupervisorStateIface) error {
				bootKlog.Debugf("androidboot.hardware=%s", s.Config().HardwareName)
				return nil
			},
		},
	}
	for _, m := range modules {
		if m.EarlyInit == nil {
			continue
		}
		if err := m.EarlyInit(st); err != nil {
			bootKlog.Warnf("module %s EarlyInit: %v", m.Name, err)
		}
	}

	supervisor := tracer.NewSupervisor(st, rewriter, bootKlog, modules)

	stop := make(chan struct{})
	defer close(stop)
	if err := supervisor.ListenForAttachRequests(stop); err != nil {
		bootKlog.Warnf("attach-on-demand listener unavailable: %v", err)
	}

	prof, err := runProfiler(ctx)
	if err != nil {
		bootKlog.Warnf("profiling: %v", err)
	}

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT, syscall.SIGABRT)
	go exitHandler(exitChan, bootKlog, prof)

	if _, err := supervisor.Spawn([]string{realInitPath}, os.Environ()); err != nil {
		execUntraced(bootKlog, err.Error())
		return nil
	}
	if err := st.Advance(domain.StageHooksLive); err != nil {
		execUntraced(bootKlog, err.Error())
		return nil
	}

	systemd.SdNotify(false, systemd.SdNotifyReady)
	bootKlog.Infof("mbsup armed, tracing from pid 1")

	if err := supervisor.Run(); err != nil {
		bootKlog.Errorf("supervisor event loop exited with error: %v", err)
		return err
	}
	return nil
}

// handleUmsHandoff prepares multiboot.ums=SCRIPT (spec §6): the script
// exposes the device over USB mass storage and itself chains to the real
// init once the host disconnects, so mbsup's only job is to make sure the
// script is executable before handing control to it untraced.
func handleUmsHandoff(klog domain.Klog, hr domain.HelperRunner, cfg domain.BootConfig) error {
	script := cfg.UmsScript
	if _, err := os.Stat(script); err != nil {
		return domain.NewError(domain.StageTransition, "handleUmsHandoff.stat", err)
	}
	klog.Infof("multiboot.ums=%s: exec'ing ums script before init", script)
	if err := hr.Chmod(false, "0755", script); err != nil {
		klog.Warnf("chmod ums script: %v", err)
	}
	return nil
}

// patchRealFstab rewrites the initramfs fstab's device column in place for
// every registered target, mirroring mb_fstab_patcher.c (SPEC_FULL §12):
// once the patch lands, anything that reads the fstab directly as a file
// (rather than through a traced path-arg syscall) still sees the right
// device.
func patchRealFstab(hr domain.HelperRunner, fstabPath string, twrp bool, targets []*domain.Target) error {
	raw, err := os.ReadFile(fstabPath)
	if err != nil {
		return fmt.Errorf("read fstab %s: %w", fstabPath, err)
	}
	contents := string(raw)
	for _, t := range targets {
		replacement := t.ReplacementTarget()
		if replacement == "" {
			continue
		}
		contents = fstab.PatchBlockDevice(contents, t.Mountpoint, replacement, twrp)
	}
	tmp := fstabPath + ".mb"
	if err := os.WriteFile(tmp, []byte(contents), 0644); err != nil {
		return fmt.Errorf("write patched fstab: %w", err)
	}
	if err := hr.Cp(false, true, tmp, fstabPath); err != nil {
		return fmt.Errorf("install patched fstab: %w", err)
	}
	return os.Remove(tmp)
}

// populateRegistry builds the Target Registry from the parsed fstab.
// Records carrying the "multiboot" fs_mgr flag are redirected; a
// voldmanaged= record (removable/external storage) gets a LoopImage
// target backed by a raw image under the slot path, since its real
// device node comes and goes with media insertion; every other
// multiboot record gets a Bind target pointed at the already-mounted
// slot rootfs, with a stub loop device standing in for block-level
// opens (spec §3 Target Entry, §4.A, Open Questions "stub device").
func populateRegistry(klog domain.Klog, reg domain.TargetRegistry, enumerator domain.BlockEnumerator,
	hr domain.HelperRunner, slotPath string, records []domain.FstabRecord) error {

	for _, rec := range records {
		if !rec.MgrFlags.Multiboot {
			continue
		}

		devPath := rec.BlockDevice
		if resolved, err := resolveByName(enumerator, devPath); err == nil {
			devPath = resolved
		}

		stubLoopDev, err := provisionStub(klog, slotPath, rec)
		if err != nil {
			klog.Warnf("provision stub for %s: %v", rec.MountPoint, err)
			continue
		}

		target := &domain.Target{
			Identity:   domain.Identity{DevPath: devPath},
			FsType:     rec.FsType,
			Mountpoint: rec.MountPoint,
		}

		if rec.MgrFlags.Voldmanaged != "" {
			imgPath := filepath.Join(slotPath, rec.MountPoint+".img")
			if _, err := os.Stat(imgPath); os.IsNotExist(err) {
				if err := createPartitionImage(hr, imgPath, rec.MgrFlags.Length); err != nil {
					klog.Warnf("create partition image for %s: %v", rec.MountPoint, err)
					continue
				}
			}
			loopDev, err := loop.FindFree()
			if err != nil || loop.Setup(loopDev, imgPath, false) != nil {
				klog.Warnf("loop setup for %s unavailable: %v", rec.MountPoint, err)
				continue
			}
			target.Policy = domain.LoopImagePolicy{ImagePath: imgPath, ReplacementDevice: loopDev}
		} else {
			stubLoopDev, err := provisionStub(klog, slotPath, rec)
			if err != nil {
				klog.Warnf("provision stub for %s: %v", rec.MountPoint, err)
				continue
			}
			target.Policy = domain.BindPolicy{
				SourceDir:  filepath.Join(slotPath, rec.MountPoint),
				StubDevice: stubLoopDev,
			}
		}

		if err := reg.Register(target); err != nil {
			if derr, ok := err.(*domain.Error); ok && derr.Kind == domain.DuplicateTarget {
				klog.Warnf("duplicate target for %s, keeping first registration", devPath)
				continue
			}
			return err
		}
	}
	return nil
}

// provisionStub creates (if absent) and loop-attaches the small stub image
// every multiboot target needs so block-level opens on its original device
// path still resolve to something (spec Glossary "stub device").
func provisionStub(klog domain.Klog, slotPath string, rec domain.FstabRecord) (string, error) {
	stubPath := filepath.Join(slotPath, ".stubfs", rec.MountPoint+".stub.img")
	if err := os.MkdirAll(filepath.Dir(stubPath), 0700); err != nil {
		return "", fmt.Errorf("mkdir stub dir: %w", err)
	}
	if _, err := os.Stat(stubPath); os.IsNotExist(err) {
		if err := loop.CreateStubImage(stubPath); err != nil {
			return "", fmt.Errorf("create stub image: %w", err)
		}
	}
	stubLoopDev, err := loop.FindFree()
	if err != nil {
		return "", fmt.Errorf("no free loop device: %w", err)
	}
	if err := loop.Setup(stubLoopDev, stubPath, false); err != nil {
		return "", fmt.Errorf("loop setup %s: %w", stubLoopDev, err)
	}
	return stubLoopDev, nil
}

func resolveByName(enumerator domain.BlockEnumerator, devPath string) (string, error) {
	base := filepath.Base(devPath)
	return enumerator.ResolveByName(base)
}

// defaultPartitionImageBytes backs a multiboot partition with no explicit
// fs_mgr length= flag (spec §6 fs_mgr_flags "length=").
const defaultPartitionImageBytes = 512 * 1024 * 1024

// createPartitionImage allocates a zero-filled raw image and formats it ext4,
// via the same dd/mkfs.ext4 helpers spec §6 names for "image creator" and
// "filesystem creation".
func createPartitionImage(hr domain.HelperRunner, path string, lengthBytes int64) error {
	if lengthBytes <= 0 {
		lengthBytes = defaultPartitionImageBytes
	}
	const blockSize = 4096
	count := int(lengthBytes / blockSize)
	if err := hr.Dd("/dev/zero", path, blockSize, count); err != nil {
		return err
	}
	return hr.MkfsExt4(path)
}

// amd64SyscallNumbers exposes the tracer package's private ABI table to the
// entrypoint without re-deriving it; the table itself lives next to the
// register-convention helpers it is keyed against.
func amd64SyscallNumbers() map[string]int {
	return tracer.Amd64SyscallNumbers()
}
