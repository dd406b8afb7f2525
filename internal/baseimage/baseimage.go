// Package baseimage seeds a rootfs from an OCI image instead of running
// debootstrap's first stage.
package baseimage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/paths"
	"github.com/dustin/go-humanize"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/renameio"
)

// PullFunc returns the flattened filesystem of ref and the image digest.
type PullFunc func(ctx context.Context, ref string) (io.ReadCloser, string, error)

type Options struct {
	CacheDir string
	Log      *buildlog.Log
	Pull     PullFunc
}

// Result describes an extracted base image.
type Result struct {
	Ref      string
	Digest   string
	Bytes    int64
	CacheHit bool
}

type Extractor struct {
	cacheDir string
	log      *buildlog.Log
	pull     PullFunc
}

func New(opts Options) (*Extractor, error) {
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir == "" {
		var err error
		cacheDir, err = paths.BaseImageCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve base image cache directory: %w", err)
		}
	}
	e := &Extractor{cacheDir: cacheDir, log: opts.Log, pull: opts.Pull}
	if e.log == nil {
		e.log = buildlog.Nop()
	}
	if e.pull == nil {
		e.pull = pullFromRegistry
	}
	return e, nil
}

// Extract unpacks ref into rootfs. Digest references are cached as a
// flattened tarball and reused on later runs.
func (e *Extractor) Extract(ctx context.Context, ref, rootfs string) (Result, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Result{}, fmt.Errorf("base image reference is required")
	}
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return Result{}, fmt.Errorf("create rootfs directory %q: %w", rootfs, err)
	}

	if digest, ok := pinnedDigest(ref); ok {
		cached := e.cachePath(digest)
		if f, err := os.Open(cached); err == nil {
			defer f.Close()
			e.log.Info("using cached base image", "ref", ref, "digest", digest)
			if err := extractTar(rootfs, f); err != nil {
				return Result{}, err
			}
			return e.finish(rootfs, Result{Ref: ref, Digest: digest, CacheHit: true})
		}
	}

	e.log.Info("pulling base image", "ref", ref)
	stream, digest, err := e.pull(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()

	src := io.Reader(stream)
	var pending *renameio.PendingFile
	if digest != "" {
		if err := os.MkdirAll(e.cacheDir, 0o755); err == nil {
			if p, err := renameio.TempFile("", e.cachePath(digest)); err == nil {
				pending = p
				defer pending.Cleanup()
				src = io.TeeReader(stream, pending)
			}
		}
	}

	if err := extractTar(rootfs, src); err != nil {
		return Result{}, err
	}
	if pending != nil {
		// Drain trailing tar padding so the cached copy is complete.
		if _, err := io.Copy(io.Discard, src); err == nil {
			if err := pending.CloseAtomicallyReplace(); err != nil {
				e.log.Warn("could not cache base image", "digest", digest, "error", err)
			}
		}
	}
	return e.finish(rootfs, Result{Ref: ref, Digest: digest})
}

func (e *Extractor) finish(rootfs string, res Result) (Result, error) {
	for _, dir := range []string{"dev", "dev/pts", "proc", "run", "sys", "tmp"} {
		if err := os.MkdirAll(filepath.Join(rootfs, dir), 0o755); err != nil {
			return Result{}, fmt.Errorf("prepare rootfs directory %q: %w", dir, err)
		}
	}
	size, err := DirSize(rootfs)
	if err != nil {
		return Result{}, fmt.Errorf("calculate extracted rootfs size: %w", err)
	}
	res.Bytes = size
	e.log.Info("base image extracted", "ref", res.Ref, "digest", res.Digest, "size", humanize.IBytes(uint64(size)), "cached", res.CacheHit)
	return res, nil
}

func (e *Extractor) cachePath(digest string) string {
	return filepath.Join(e.cacheDir, strings.ReplaceAll(digest, ":", "-")+".tar")
}

func pinnedDigest(ref string) (string, bool) {
	d, err := name.NewDigest(ref)
	if err != nil {
		return "", false
	}
	return d.DigestStr(), true
}

// DirSize sums the sizes of the regular files under root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
