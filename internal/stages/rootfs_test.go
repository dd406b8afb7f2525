package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/buildkite/opibuild/internal/baseimage"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/runner"
)

func seedPasswd(t *testing.T, root, content string) func(runner.Command) error {
	return func(runner.Command) error {
		writeTestFile(t, filepath.Join(root, "etc/passwd"), content)
		return nil
	}
}

func indexOf(commands []string, prefix string) int {
	for i, c := range commands {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func TestBuildRootfsRunsInsideOneChrootScope(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, scripts := testSet(t)
	writeTestFile(t, filepath.Join(scripts, "noble"), "# noble\n")
	b := te.Build
	root := b.RootfsDir()
	b.Hooks = map[string][]string{HookPostRootfs: {"touch '/etc/first boot'"}}
	host.effects["debootstrap"] = seedPasswd(t, root, "root:x:0:0:root:/root:/bin/bash\n")

	if err := s.buildRootfs(context.Background(), te.Env); err != nil {
		t.Fatalf("buildRootfs returned error: %v", err)
	}

	chroot := "chroot " + root + " "
	order := []string{
		"debootstrap --arch=arm64 --foreign --include=wget,ca-certificates,locales noble " + root + " http://ports.ubuntu.com/ubuntu-ports",
		chroot + "/debootstrap/debootstrap --second-stage",
		chroot + "locale-gen en_US.UTF-8",
		chroot + "apt-get update",
		chroot + "apt-get install -y ubuntu-minimal init systemd sudo linux-firmware ",
		chroot + "apt-get install -y mesa-utils",
		chroot + "useradd -m -s /bin/bash -G sudo,video,audio,plugdev orangepi",
		chroot + "chpasswd",
		chroot + "touch /etc/first boot",
	}
	last := -1
	for _, prefix := range order {
		i := indexOf(host.commands, prefix)
		if i <= last {
			t.Fatalf("%q missing or out of order in %v", prefix, host.commands)
		}
		last = i
	}

	if host.ran(chroot+"apt-get install -y ubuntu-minimal init systemd sudo linux-firmware") != 1 || !strings.Contains(strings.Join(host.commands, "\n"), "language-pack-en openssh-server fail2ban ufw docker.io docker-compose") {
		t.Fatalf("server package set not installed: %v", host.commands)
	}

	if got, want := len(host.mounts), 8; got != want {
		t.Fatalf("unexpected mount log length: got %d want %d: %v", got, want, host.mounts)
	}
	for i, m := range host.mounts {
		wantPrefix := "mount "
		if i >= 4 {
			wantPrefix = "unmount "
		}
		if !strings.HasPrefix(m, wantPrefix) {
			t.Fatalf("mount log entry %d = %q, want prefix %q", i, m, wantPrefix)
		}
	}

	mustContain(t, "sources.list", readTestFile(t, filepath.Join(root, "etc/apt/sources.list")),
		"deb http://ports.ubuntu.com/ubuntu-ports noble main restricted universe multiverse\n",
		"noble-security", "noble-backports")
	if got := readTestFile(t, filepath.Join(root, "etc/hostname")); got != "orangepi5plus\n" {
		t.Fatalf("unexpected hostname %q", got)
	}
	mustContain(t, "hosts", readTestFile(t, filepath.Join(root, "etc/hosts")), "127.0.1.1\torangepi5plus")
	info, err := os.Stat(filepath.Join(root, "etc/sudoers.d/orangepi"))
	if err != nil {
		t.Fatalf("stat sudoers: %v", err)
	}
	if got, want := info.Mode().Perm(), os.FileMode(0o440); got != want {
		t.Fatalf("unexpected sudoers mode: got %v want %v", got, want)
	}
	if strings.Contains(te.log.String(), "s3cret-pass") {
		t.Fatal("password leaked into the build log")
	}
	if exists(filepath.Join(root, chrootQemuPath)) {
		t.Fatal("qemu interpreter left in rootfs")
	}
}

func TestBuildRootfsStartsFromEmptyTree(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, scripts := testSet(t)
	writeTestFile(t, filepath.Join(scripts, "noble"), "# noble\n")
	root := te.Build.RootfsDir()
	stale := filepath.Join(root, "stale-from-previous-run")
	writeTestFile(t, stale, "old")
	host.stale = []string{filepath.Join(root, "proc"), filepath.Join(root, "dev")}

	var sawStale bool
	host.effects["debootstrap"] = func(cmd runner.Command) error {
		sawStale = exists(stale)
		return seedPasswd(t, root, "root:x:0:0:root:/root:/bin/bash\n")(cmd)
	}

	if err := s.buildRootfs(context.Background(), te.Env); err != nil {
		t.Fatalf("buildRootfs returned error: %v", err)
	}
	if sawStale || exists(stale) {
		t.Fatal("file from previous rootfs survived the rebuild")
	}
	if got, want := host.mounts[:2], []string{"unmount " + filepath.Join(root, "proc"), "unmount " + filepath.Join(root, "dev")}; !slices.Equal(got, want) {
		t.Fatalf("stale mounts not released before removal: got %v want %v", got, want)
	}
}

func TestBuildRootfsDowngradesUnknownRelease(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.fail["debootstrap"] = exitErr(1)
	te := newTestEnv(t, host)
	s, _ := testSet(t)

	err := s.buildRootfs(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.InstallationFailed; got != want {
		t.Fatalf("unexpected code: got %s want %s", got, want)
	}
	if got, want := te.Build.Codename, "jammy"; got != want {
		t.Fatalf("unexpected codename: got %q want %q", got, want)
	}
	if got, want := te.Build.Release, "22.04"; got != want {
		t.Fatalf("unexpected release: got %q want %q", got, want)
	}
	if got := host.ran("debootstrap --arch=arm64 --foreign --include=wget,ca-certificates,locales jammy "); got != 2 {
		t.Fatalf("expected debootstrap to be retried once, ran %d times: %v", got, host.commands)
	}
	if host.ran("chroot") != 0 || len(host.mounts) != 0 {
		t.Fatalf("chroot entered after bootstrap failed: %v %v", host.commands, host.mounts)
	}
}

func TestEnsureDebootstrapScriptLinksFallback(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, newFakeHost())
	s, scripts := testSet(t)
	writeTestFile(t, filepath.Join(scripts, "jammy"), "# jammy\n")

	s.ensureDebootstrapScript(te.Env)

	target, err := os.Readlink(filepath.Join(scripts, "noble"))
	if err != nil || target != "jammy" {
		t.Fatalf("unexpected script link: %q %v", target, err)
	}
	if got := te.Build.Codename; got != "noble" {
		t.Fatalf("codename changed to %q", got)
	}
}

func TestBuildRootfsAptFailureReleasesMounts(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, scripts := testSet(t)
	writeTestFile(t, filepath.Join(scripts, "noble"), "# noble\n")
	root := te.Build.RootfsDir()
	host.effects["debootstrap"] = seedPasswd(t, root, "root:x:0:0:root:/root:/bin/bash\n")
	host.fail["chroot "+root+" apt-get update"] = exitErr(100)

	err := s.buildRootfs(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.NetworkFailure; got != want {
		t.Fatalf("unexpected code: got %s want %s (%v)", got, want, err)
	}
	if got := host.ran("chroot " + root + " apt-get update"); got != 2 {
		t.Fatalf("expected apt-get update to be retried once, ran %d times", got)
	}
	if host.ran("chroot "+root+" useradd") != 0 {
		t.Fatal("user created after apt failure")
	}
	if te.Guard.Outstanding() != 0 {
		t.Fatalf("mounts left outstanding: %d", te.Guard.Outstanding())
	}
	if exists(filepath.Join(root, chrootQemuPath)) {
		t.Fatal("qemu interpreter left in rootfs")
	}
}

type fakeExtractor struct {
	refs []string
	err  error
}

func (f *fakeExtractor) Extract(_ context.Context, ref, rootfs string) (baseimage.Result, error) {
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return baseimage.Result{}, f.err
	}
	if err := os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755); err != nil {
		return baseimage.Result{}, err
	}
	passwd := "root:x:0:0:root:/root:/bin/bash\norangepi:x:1000:1000::/home/orangepi:/bin/bash\n"
	return baseimage.Result{}, os.WriteFile(filepath.Join(rootfs, "etc/passwd"), []byte(passwd), 0o644)
}

func TestBuildRootfsFromBaseImage(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, _ := testSet(t)
	extractor := &fakeExtractor{}
	s.baseImage = extractor
	te.Build.BaseImage = "ghcr.io/example/ubuntu-arm64:24.04"

	if err := s.buildRootfs(context.Background(), te.Env); err != nil {
		t.Fatalf("buildRootfs returned error: %v", err)
	}
	if len(extractor.refs) != 1 || extractor.refs[0] != te.Build.BaseImage {
		t.Fatalf("unexpected extract calls: %v", extractor.refs)
	}
	root := te.Build.RootfsDir()
	if host.ran("debootstrap") != 0 || host.ran("chroot "+root+" /debootstrap/debootstrap") != 0 {
		t.Fatalf("debootstrap ran for a base image build: %v", host.commands)
	}
	if host.ran("chroot "+root+" useradd") != 0 {
		t.Fatal("existing user recreated")
	}
	if host.ran("chroot "+root+" chpasswd") != 1 {
		t.Fatal("password not set for existing user")
	}
}

func TestBuildRootfsBaseImageErrors(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, newFakeHost())
	s, _ := testSet(t)
	te.Build.BaseImage = "ghcr.io/example/ubuntu-arm64:24.04"

	err := s.buildRootfs(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.MissingDependency; got != want {
		t.Fatalf("unexpected code without extractor: got %s want %s", got, want)
	}

	s.baseImage = &fakeExtractor{err: errors.New("manifest unknown")}
	err = s.buildRootfs(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.NetworkFailure; got != want {
		t.Fatalf("unexpected code for extract failure: got %s want %s", got, want)
	}
}
