//go:build linux

package resource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// HostOps returns the Ops backed by the running kernel.
func HostOps() Ops {
	return hostOps{procRoot: "/proc"}
}

type hostOps struct {
	procRoot string
}

func (hostOps) Mount(req MountRequest) error {
	if err := os.MkdirAll(req.Target, 0o755); err != nil {
		return err
	}
	var flags uintptr
	fstype := req.FSType
	if req.Bind {
		flags |= unix.MS_BIND
		fstype = ""
	}
	if err := unix.Mount(req.Source, req.Target, fstype, flags, req.Data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", req.Source, req.Target, err)
	}
	return nil
}

func (hostOps) Unmount(target string) error {
	err := unix.Unmount(target, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		// not mounted any more
		return nil
	case errors.Is(err, unix.EBUSY):
		if lazyErr := unix.Unmount(target, unix.MNT_DETACH); lazyErr != nil {
			return fmt.Errorf("lazy unmount %s: %w", target, lazyErr)
		}
		return nil
	default:
		return fmt.Errorf("unmount %s: %w", target, err)
	}
}

func (hostOps) AttachLoop(image string) (string, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open loop control: %w", err)
	}
	defer ctl.Close()

	n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("find free loop device: %w", err)
	}
	device := fmt.Sprintf("/dev/loop%d", n)

	backing, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return "", err
	}
	defer backing.Close()

	loop, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", device, err)
	}
	defer loop.Close()

	if err := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		return "", fmt.Errorf("attach %s to %s: %w", image, device, err)
	}
	info := unix.LoopInfo64{Flags: unix.LO_FLAGS_PARTSCAN}
	copy(info.File_name[:], image)
	if err := unix.IoctlLoopSetStatus64(int(loop.Fd()), &info); err != nil {
		_ = unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("enable partition scan on %s: %w", device, err)
	}
	return device, nil
}

func (hostOps) DetachLoop(device string) error {
	loop, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	defer loop.Close()
	if err := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0); err != nil && !errors.Is(err, unix.ENXIO) {
		return fmt.Errorf("detach %s: %w", device, err)
	}
	return nil
}

func (o hostOps) SignalWithin(root string, sig syscall.Signal) (int, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(o.procRoot)
	if err != nil {
		return 0, err
	}
	signalled := 0
	self := os.Getpid()
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		link, err := os.Readlink(filepath.Join(o.procRoot, entry.Name(), "root"))
		if err != nil {
			continue
		}
		if link != root && !strings.HasPrefix(link, root+string(filepath.Separator)) {
			continue
		}
		if err := unix.Kill(pid, sig); err == nil {
			signalled++
		}
	}
	return signalled, nil
}

func (hostOps) MountsUnder(dir string) ([]string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(dir))
	if err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(infos))
	for _, info := range infos {
		targets = append(targets, info.Mountpoint)
	}
	return targets, nil
}
