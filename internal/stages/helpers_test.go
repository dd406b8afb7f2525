package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/distro"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/resource"
	"github.com/buildkite/opibuild/internal/runner"
)

// fakeHost records every command and mount and lets tests fail or
// side-effect individual commands by prefix.
type fakeHost struct {
	mu       sync.Mutex
	commands []string
	mounts   []string
	fail     map[string]error
	effects  map[string]func(runner.Command) error
	fetches  []string
	fetch    func(req artifact.FetchRequest) error
	stale    []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{fail: map[string]error{}, effects: map[string]func(runner.Command) error{}}
}

func commandLine(cmd runner.Command) string {
	return strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
}

func (h *fakeHost) exec(_ context.Context, cmd runner.Command) ([]byte, error) {
	line := commandLine(cmd)
	h.mu.Lock()
	h.commands = append(h.commands, line)
	h.mu.Unlock()
	for prefix, effect := range h.effects {
		if strings.HasPrefix(line, prefix) {
			if err := effect(cmd); err != nil {
				return nil, err
			}
		}
	}
	for prefix, err := range h.fail {
		if strings.HasPrefix(line, prefix) {
			return []byte("boom\n"), err
		}
	}
	return nil, nil
}

func (h *fakeHost) ran(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (h *fakeHost) Mount(req resource.MountRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts = append(h.mounts, "mount "+req.Target)
	return nil
}

func (h *fakeHost) Unmount(target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts = append(h.mounts, "unmount "+target)
	return nil
}

func (h *fakeHost) AttachLoop(image string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts = append(h.mounts, "attach "+filepath.Base(image))
	return "/dev/loop7", nil
}

func (h *fakeHost) DetachLoop(device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts = append(h.mounts, "detach "+device)
	return nil
}

func (h *fakeHost) SignalWithin(string, syscall.Signal) (int, error) {
	return 0, nil
}

func (h *fakeHost) MountsUnder(dir string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.stale {
		if strings.HasPrefix(m, dir+string(filepath.Separator)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (h *fakeHost) Fetch(_ context.Context, req artifact.FetchRequest) error {
	h.mu.Lock()
	h.fetches = append(h.fetches, req.Display)
	h.mu.Unlock()
	if h.fetch != nil {
		return h.fetch(req)
	}
	return errors.New("no network in tests")
}

type testEnv struct {
	*pipeline.Env
	host *fakeHost
	log  *bytes.Buffer
}

func newTestEnv(t *testing.T, host *fakeHost) *testEnv {
	t.Helper()

	var combined bytes.Buffer
	logger, err := buildlog.Open(buildlog.Options{Writer: &combined, ErrorWriter: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	run := runner.New(runner.Options{
		Log:   logger,
		Exec:  host.exec,
		Sleep: func(context.Context, time.Duration) {},
	})
	tmp := t.TempDir()
	b := &pipeline.BuildContext{
		KernelVersion: "6.1.0",
		Arch:          "arm64",
		CrossCompile:  "aarch64-linux-gnu-",
		Defconfig:     "rockchip_defconfig",
		Release:       "24.04",
		Codename:      "noble",
		Flavor:        distro.Server,
		Jobs:          8,
		BuildDir:      filepath.Join(tmp, "build"),
		OutputDir:     filepath.Join(tmp, "out"),
		ImageSizeMB:   4096,
		Hostname:      "orangepi5plus",
		Username:      "orangepi",
		Password:      "s3cret-pass",
		RootfsMirror:  "http://ports.ubuntu.com/ubuntu-ports",
		Features:      pipeline.AllEnabled(),
	}
	env := &pipeline.Env{
		Build:  b,
		Runner: run,
		Guard:  resource.New(resource.Options{Ops: host, Log: logger, Sleep: func(time.Duration) {}}),
		Resolver: artifact.NewResolver(artifact.Options{
			Runner:   run,
			Log:      logger,
			Fetchers: map[artifact.Kind]artifact.Fetcher{artifact.KindGit: host, artifact.KindFile: host},
			Getenv:   func(string) string { return "" },
		}),
		Log: logger,
	}
	return &testEnv{Env: env, host: host, log: &combined}
}

// testSet returns stages wired to a fake qemu binary and scripts directory.
func testSet(t *testing.T) (*set, string) {
	t.Helper()
	dir := t.TempDir()
	qemu := filepath.Join(dir, "qemu-aarch64-static")
	writeTestFile(t, qemu, "qemu")
	scripts := filepath.Join(dir, "scripts")
	if err := os.MkdirAll(scripts, 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}
	return &set{qemuStatic: qemu, scriptsDir: scripts}, scripts
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

// largeBlob is bigger than the Mali minimum size.
func largeBlob() string {
	return "\x7fELF" + strings.Repeat("x", maliMinSize)
}

func mustContain(t *testing.T, label, got string, wants ...string) {
	t.Helper()
	for _, w := range wants {
		if !strings.Contains(got, w) {
			t.Fatalf("%s: expected %q in:\n%s", label, w, got)
		}
	}
}

func exitErr(code int) error {
	return fmt.Errorf("exit status %d", code)
}
