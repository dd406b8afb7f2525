package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/opibuild/internal/baseimage"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/resource"
	"github.com/buildkite/opibuild/internal/runner"
	"github.com/dustin/go-humanize"
)

const (
	bootPartitionEndBytes = 256 << 20
	minimumRootBytes      = 512 << 20
	rootHeadroomBytes     = 128 << 20
	rootAlignBytes        = 4 << 20

	bootPartition = 2
	rootPartition = 3
	loaderSector  = "64"
)

// rootPartitionSize leaves half the content again plus fixed headroom free,
// rounded up to the alignment.
func rootPartitionSize(contentBytes int64) int64 {
	target := contentBytes + (contentBytes / 2) + rootHeadroomBytes
	if target < minimumRootBytes {
		target = minimumRootBytes
	}
	remainder := target % rootAlignBytes
	if remainder == 0 {
		return target
	}
	return target + (rootAlignBytes - remainder)
}

// imageSizeMB returns the configured size, or a larger one when the rootfs
// would not fit. grown reports the latter.
func imageSizeMB(configuredMB int, rootfsBytes int64) (sizeMB int, grown bool) {
	need := bootPartitionEndBytes + rootPartitionSize(rootfsBytes)
	needMB := int((need + (1 << 20) - 1) >> 20)
	if configuredMB >= needMB {
		return configuredMB, false
	}
	return needMB, true
}

func extlinuxConf(kernelVersion string) string {
	return fmt.Sprintf(`label Ubuntu
    kernel /vmlinuz-%[1]s
    initrd /initrd.img-%[1]s
    devicetreedir /dtbs
    append console=ttyS2,1500000 root=/dev/mmcblk0p3 rw rootwait
`, kernelVersion)
}

func partedArgs(image string) []string {
	return []string{
		"-s", image,
		"mklabel", "gpt",
		"mkpart", "loader", "64s", "8MiB",
		"mkpart", "boot", "fat32", "8MiB", "256MiB",
		"mkpart", "root", "ext4", "256MiB", "100%",
		"set", fmt.Sprint(bootPartition), "boot", "on",
	}
}

func (s *set) assembleImage(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	rootfs := b.RootfsDir()
	image := b.ImagePath()

	content, err := baseimage.DirSize(rootfs)
	if err != nil {
		return failure.Wrap(err, failure.FileNotFound, "measure rootfs")
	}
	sizeMB, grown := imageSizeMB(b.ImageSizeMB, content)
	if grown {
		env.Log.Warn("configured image size too small for rootfs, growing", "configured_mb", b.ImageSizeMB, "size_mb", sizeMB, "rootfs", humanize.IBytes(uint64(content)))
	}
	if err := createSparse(image, int64(sizeMB)<<20); err != nil {
		return failure.Wrap(err, failure.InsufficientDiskSpace, "create image")
	}
	env.Log.Info("image created", "path", image, "size", humanize.IBytes(uint64(sizeMB)<<20), "rootfs", humanize.IBytes(uint64(content)))

	if err := env.Runner.Run(ctx, runner.Command{Name: "parted", Args: partedArgs(image), FailCode: failure.InstallationFailed}, nil); err != nil {
		return err
	}

	err = env.Guard.With(ctx, []resource.Spec{resource.Loop(image)}, func(hs resource.Handles) error {
		return populateImage(ctx, env, hs.Loop())
	})
	if err != nil {
		return err
	}

	return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{{
		Name:     "compress image",
		Severity: pipeline.Advisory,
		Run: func(ctx context.Context) error {
			if b.Compress == "" {
				return nil
			}
			return env.Runner.Do(ctx, "compress "+filepath.Base(image), nil, func(context.Context) error {
				out, err := compressImage(image, b.Compress)
				if err != nil {
					return err
				}
				env.Log.Info("image compressed", "path", out)
				return nil
			})
		},
	}})
}

func createSparse(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate %s to %d bytes: %w", path, size, err)
	}
	return f.Close()
}

func populateImage(ctx context.Context, env *pipeline.Env, loop *resource.Handle) error {
	b := env.Build
	bootDev := loop.Partition(bootPartition)
	rootDev := loop.Partition(rootPartition)
	bootMnt := filepath.Join(b.BuildDir, "mnt", "boot")
	rootMnt := filepath.Join(b.BuildDir, "mnt", "root")

	run := func(code failure.Code, name string, args ...string) func(context.Context) error {
		return func(ctx context.Context) error {
			return env.Runner.Run(ctx, runner.Command{Name: name, Args: args, FailCode: code}, nil)
		}
	}

	err := pipeline.RunSteps(ctx, env.Log, []pipeline.Step{
		{Name: "format boot partition", Severity: pipeline.Hard, Code: failure.InstallationFailed, Run: run(failure.InstallationFailed, "mkfs.vfat", "-F", "32", "-n", "BOOT", bootDev)},
		{Name: "format root partition", Severity: pipeline.Hard, Code: failure.InstallationFailed, Run: run(failure.InstallationFailed, "mkfs.ext4", "-F", "-L", "rootfs", rootDev)},
		{
			Name:     "create mount points",
			Severity: pipeline.Hard,
			Code:     failure.PermissionDenied,
			Run: func(context.Context) error {
				if err := os.MkdirAll(bootMnt, 0o755); err != nil {
					return err
				}
				return os.MkdirAll(rootMnt, 0o755)
			},
		},
	})
	if err != nil {
		return err
	}

	mounts := []resource.Spec{
		resource.Mount(bootDev, bootMnt, "vfat"),
		resource.Mount(rootDev, rootMnt, "ext4"),
	}
	err = env.Guard.With(ctx, mounts, func(resource.Handles) error {
		return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{
			{Name: "copy rootfs", Severity: pipeline.Hard, Code: failure.InstallationFailed, Run: run(failure.InstallationFailed, "rsync", "-aHAXx", b.RootfsDir()+"/", rootMnt+"/")},
			{Name: "copy boot files", Severity: pipeline.Hard, Code: failure.InstallationFailed, Run: run(failure.InstallationFailed, "rsync", "-rtL", filepath.Join(b.RootfsDir(), "boot")+"/", bootMnt+"/")},
			{
				Name:     "write extlinux.conf",
				Severity: pipeline.Hard,
				Code:     failure.InstallationFailed,
				Run: func(context.Context) error {
					return writeFile(filepath.Join(bootMnt, "extlinux", "extlinux.conf"), []byte(extlinuxConf(b.KernelVersion)), 0o644)
				},
			},
			{Name: "sync", Severity: pipeline.Advisory, Run: run(failure.InstallationFailed, "sync")},
		})
	})
	if err != nil {
		return err
	}

	idb := filepath.Join(b.OutputDir, IDBLoader)
	return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{{
		Name:     "write idbloader",
		Severity: pipeline.Advisory,
		Run: func(ctx context.Context) error {
			if !exists(idb) {
				return fmt.Errorf("%s not built", idb)
			}
			return env.Runner.Run(ctx, runner.Command{
				Name:     "dd",
				Args:     []string{"if=" + idb, "of=" + loop.Device, "seek=" + loaderSector, "conv=notrunc"},
				FailCode: failure.InstallationFailed,
			}, nil)
		},
	}})
}
