package resource

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/failure"
)

// DefaultGrace is how long release waits after signalling processes that
// still live inside a chroot.
const DefaultGrace = time.Second

type Kind int

const (
	KindBindMount Kind = iota
	KindMount
	KindLoop
	KindChroot
)

func (k Kind) String() string {
	switch k {
	case KindBindMount:
		return "bind-mount"
	case KindMount:
		return "mount"
	case KindLoop:
		return "loop-device"
	case KindChroot:
		return "chroot"
	default:
		return "unknown"
	}
}

// MountRequest describes one mount(2) call.
type MountRequest struct {
	Source string
	Target string
	FSType string
	Bind   bool
	Data   string
}

// Ops performs the host-global operations behind each resource kind.
type Ops interface {
	Mount(req MountRequest) error
	Unmount(target string) error
	AttachLoop(image string) (device string, err error)
	DetachLoop(device string) error
	// SignalWithin signals every process whose root directory is root or
	// lies beneath it and returns how many were signalled.
	SignalWithin(root string, sig syscall.Signal) (int, error)
	// MountsUnder lists the host mount points at or beneath dir.
	MountsUnder(dir string) ([]string, error)
}

// Handle is an acquired OS-level resource.
type Handle struct {
	Kind     Kind
	Source   string
	Target   string
	Device   string
	Optional bool

	// mu is held for the whole of a release.
	mu       sync.Mutex
	acquired bool
	released bool
	children []*Handle
}

func (h *Handle) Acquired() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired
}

func (h *Handle) Released() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Partition returns the device node of partition n on a loop handle.
func (h *Handle) Partition(n int) string {
	return fmt.Sprintf("%sp%d", h.Device, n)
}

func (h *Handle) String() string {
	switch h.Kind {
	case KindLoop:
		return fmt.Sprintf("%s %s -> %s", h.Kind, h.Source, h.Device)
	case KindChroot:
		return fmt.Sprintf("%s %s", h.Kind, h.Target)
	default:
		return fmt.Sprintf("%s %s -> %s", h.Kind, h.Source, h.Target)
	}
}

// Handles is the ordered set acquired by With.
type Handles []*Handle

// Loop returns the first loop-device handle, or nil.
func (hs Handles) Loop() *Handle {
	for _, h := range hs {
		if h.Kind == KindLoop {
			return h
		}
	}
	return nil
}

type Options struct {
	Ops   Ops
	Log   *buildlog.Log
	Grace time.Duration
	Sleep func(time.Duration)
}

// Guard acquires resources and guarantees their release in reverse order.
type Guard struct {
	ops   Ops
	log   *buildlog.Log
	grace time.Duration
	sleep func(time.Duration)

	mu   sync.Mutex
	live []*Handle
}

func New(opts Options) *Guard {
	g := &Guard{
		ops:   opts.Ops,
		log:   opts.Log,
		grace: opts.Grace,
		sleep: opts.Sleep,
	}
	if g.ops == nil {
		g.ops = HostOps()
	}
	if g.log == nil {
		g.log = buildlog.Nop()
	}
	if g.grace <= 0 {
		g.grace = DefaultGrace
	}
	if g.sleep == nil {
		g.sleep = time.Sleep
	}
	return g
}

// Acquire acquires spec. A failed optional mount returns a handle that is
// not acquired and a nil error.
func (g *Guard) Acquire(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(err, failure.Cancelled, "acquire "+spec.String())
	}
	h, err := spec.acquire(g)
	if err != nil {
		g.log.Error("resource acquisition failed", "resource", spec.String(), "error", err)
		return nil, failure.Wrap(err, failure.InstallationFailed, "acquire "+spec.String())
	}
	if h.acquired {
		g.track(h)
		g.log.Debug("resource acquired", "resource", h.String())
	}
	return h, nil
}

// Release releases h. Releasing a nil, unacquired or already released handle
// is a no-op. A caller racing an in-flight release of the same handle waits
// for it to finish.
func (g *Guard) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.acquired || h.released {
		return nil
	}
	var err error
	switch h.Kind {
	case KindChroot:
		err = g.releaseChroot(h)
	case KindLoop:
		err = g.ops.DetachLoop(h.Device)
	default:
		err = g.ops.Unmount(h.Target)
	}
	if err != nil {
		g.log.Error("resource release failed", "resource", h.String(), "error", err)
		return fmt.Errorf("release %s: %w", h, err)
	}
	h.released = true
	g.untrack(h)
	g.log.Debug("resource released", "resource", h.String())
	return nil
}

func (g *Guard) releaseChroot(h *Handle) error {
	n, err := g.ops.SignalWithin(h.Target, syscall.SIGTERM)
	if err != nil {
		g.log.Warn("could not signal processes inside chroot", "root", h.Target, "error", err)
	}
	if n > 0 {
		g.log.Info("waiting for chroot processes to exit", "root", h.Target, "signalled", n, "grace", g.grace)
		g.sleep(g.grace)
	}
	var errs []error
	for i := len(h.children) - 1; i >= 0; i-- {
		if err := g.Release(h.children[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// With acquires specs in order, runs body and releases everything acquired
// in reverse order on every exit path of body. A body error takes precedence
// over release errors, which are still logged.
func (g *Guard) With(ctx context.Context, specs []Spec, body func(Handles) error) (err error) {
	handles := make(Handles, 0, len(specs))
	defer func() {
		var releaseErrs []error
		for i := len(handles) - 1; i >= 0; i-- {
			if rerr := g.Release(handles[i]); rerr != nil {
				releaseErrs = append(releaseErrs, rerr)
			}
		}
		if err == nil && len(releaseErrs) > 0 {
			err = failure.Wrap(errors.Join(releaseErrs...), failure.InstallationFailed, "release resources")
		}
	}()

	for _, spec := range specs {
		h, aerr := g.Acquire(ctx, spec)
		if aerr != nil {
			return aerr
		}
		handles = append(handles, h)
	}
	return body(handles)
}

// ReleaseAll releases every outstanding handle, newest first. It is meant
// for forced teardown when the normal scope exits cannot run.
func (g *Guard) ReleaseAll() error {
	g.mu.Lock()
	live := append([]*Handle(nil), g.live...)
	g.mu.Unlock()

	var errs []error
	for i := len(live) - 1; i >= 0; i-- {
		if err := g.Release(live[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseUnder releases outstanding handles whose target is dir or lies
// beneath it, newest first, then unmounts whatever the host still has
// mounted there. Those leftovers come from an earlier run that was killed
// before it could clean up.
func (g *Guard) ReleaseUnder(dir string) error {
	dir = filepath.Clean(dir)
	g.mu.Lock()
	var under []*Handle
	for _, h := range g.live {
		if within(dir, h.Target) {
			under = append(under, h)
		}
	}
	g.mu.Unlock()

	var errs []error
	for i := len(under) - 1; i >= 0; i-- {
		if err := g.Release(under[i]); err != nil {
			errs = append(errs, err)
		}
	}

	stale, err := g.ops.MountsUnder(dir)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list mounts under %s: %w", dir, err))...)
	}
	slices.SortFunc(stale, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	for _, target := range stale {
		g.log.Warn("unmounting stale mount", "target", target)
		if err := g.ops.Unmount(target); err != nil {
			errs = append(errs, fmt.Errorf("unmount stale %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func within(dir, path string) bool {
	if path == "" {
		return false
	}
	path = filepath.Clean(path)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// Outstanding reports how many handles are acquired and not yet released.
func (g *Guard) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

func (g *Guard) track(h *Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live = append(g.live, h)
}

func (g *Guard) untrack(h *Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.live) - 1; i >= 0; i-- {
		if g.live[i] == h {
			g.live = append(g.live[:i], g.live[i+1:]...)
			return
		}
	}
}

// Spec describes a resource to acquire. Construct with Bind, Mount, Pseudo,
// Loop or Chroot.
type Spec interface {
	String() string
	acquire(g *Guard) (*Handle, error)
}

type mountSpec struct {
	kind     Kind
	req      MountRequest
	optional bool
}

// Bind bind-mounts source onto target.
func Bind(source, target string) Spec {
	return mountSpec{kind: KindBindMount, req: MountRequest{Source: source, Target: target, Bind: true}}
}

// Mount mounts a block device with the given filesystem type.
func Mount(device, target, fstype string) Spec {
	return mountSpec{kind: KindMount, req: MountRequest{Source: device, Target: target, FSType: fstype}}
}

// Pseudo mounts a pseudo filesystem (proc, sysfs, devpts). When optional,
// a failure is logged and tolerated.
func Pseudo(fstype, target string, optional bool) Spec {
	return mountSpec{kind: KindMount, req: MountRequest{Source: fstype, Target: target, FSType: fstype}, optional: optional}
}

func (s mountSpec) String() string {
	return fmt.Sprintf("%s %s -> %s", s.kind, s.req.Source, s.req.Target)
}

func (s mountSpec) acquire(g *Guard) (*Handle, error) {
	h := &Handle{Kind: s.kind, Source: s.req.Source, Target: s.req.Target, Optional: s.optional}
	if err := g.ops.Mount(s.req); err != nil {
		if s.optional {
			g.log.Warn("optional mount failed, continuing", "resource", s.String(), "error", err)
			return h, nil
		}
		return nil, err
	}
	h.acquired = true
	return h, nil
}

type loopSpec struct {
	image string
}

// Loop attaches image as a partition-scanned loop device.
func Loop(image string) Spec {
	return loopSpec{image: image}
}

func (s loopSpec) String() string {
	return fmt.Sprintf("%s %s", KindLoop, s.image)
}

func (s loopSpec) acquire(g *Guard) (*Handle, error) {
	device, err := g.ops.AttachLoop(s.image)
	if err != nil {
		return nil, err
	}
	return &Handle{Kind: KindLoop, Source: s.image, Device: device, acquired: true}, nil
}

type chrootSpec struct {
	root string
}

// Chroot prepares root for chroot-executed commands by mounting proc, sys,
// dev and dev/pts inside it. Every one of those mounts is tolerated on
// failure; the chroot may still partially function.
func Chroot(root string) Spec {
	return chrootSpec{root: root}
}

func (s chrootSpec) String() string {
	return fmt.Sprintf("%s %s", KindChroot, s.root)
}

func (s chrootSpec) children() []Spec {
	return []Spec{
		Pseudo("proc", filepath.Join(s.root, "proc"), true),
		mountSpec{kind: KindMount, req: MountRequest{Source: "sysfs", Target: filepath.Join(s.root, "sys"), FSType: "sysfs"}, optional: true},
		mountSpec{kind: KindBindMount, req: MountRequest{Source: "/dev", Target: filepath.Join(s.root, "dev"), Bind: true}, optional: true},
		mountSpec{kind: KindBindMount, req: MountRequest{Source: "/dev/pts", Target: filepath.Join(s.root, "dev", "pts"), Bind: true}, optional: true},
	}
}

func (s chrootSpec) acquire(g *Guard) (*Handle, error) {
	h := &Handle{Kind: KindChroot, Target: s.root}
	for _, child := range s.children() {
		ch, err := child.acquire(g)
		if err != nil {
			return nil, err
		}
		h.children = append(h.children, ch)
	}
	h.acquired = true
	return h, nil
}
