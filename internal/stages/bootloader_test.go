package stages

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/failure"
)

func gitTree(t *testing.T, available ...string) func(artifact.FetchRequest) error {
	return func(req artifact.FetchRequest) error {
		for _, repo := range available {
			if strings.Contains(req.Display, repo) {
				writeTestFile(t, filepath.Join(req.Dest, "Makefile"), "# "+repo+"\n")
				return nil
			}
		}
		return errors.New("repository not found")
	}
}

func TestBuildBootloaderFallsBackToEvaluationBoard(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.fetch = gitTree(t, "rockchip-linux/u-boot.git", "arm-trusted-firmware.git", "rkbin.git")
	makeUboot := "make ARCH=arm CROSS_COMPILE=aarch64-linux-gnu- "
	host.fail[makeUboot+ubootDefconfig] = exitErr(2)
	te := newTestEnv(t, host)
	s, _ := testSet(t)
	b := te.Build

	if err := s.buildBootloader(context.Background(), te.Env); err != nil {
		t.Fatalf("buildBootloader returned error: %v", err)
	}
	for _, want := range []string{
		makeUboot + ubootEVBDefconfig,
		makeUboot + "-j8",
		"make CROSS_COMPILE=aarch64-linux-gnu- PLAT=rk3588 bl31",
	} {
		if host.ran(want) != 1 {
			t.Fatalf("expected %q in %v", want, host.commands)
		}
	}
	rkbin := filepath.Join(b.BuildDir, "rkbin")
	mkimage := filepath.Join(rkbin, "tools", "mkimage") + " -n rk3588 -T rksd -d " +
		filepath.Join(rkbin, "bin", ddrBlob) + ":" + filepath.Join(b.BootloaderDir(), "spl", "u-boot-spl.bin") + " " +
		filepath.Join(b.OutputDir, IDBLoader)
	if host.ran(mkimage) != 1 {
		t.Fatalf("expected mkimage call %q in %v", mkimage, host.commands)
	}
	if !exists(filepath.Join(b.BootloaderDir(), "Makefile")) {
		t.Fatal("u-boot tree not in place")
	}
}

func TestBuildBootloaderWithoutRkbinSkipsIdbloader(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.fetch = gitTree(t, "u-boot/u-boot.git")
	te := newTestEnv(t, host)
	s, _ := testSet(t)

	if err := s.buildBootloader(context.Background(), te.Env); err != nil {
		t.Fatalf("buildBootloader returned error: %v", err)
	}
	if host.ran(filepath.Join(te.Build.BuildDir, "rkbin")) != 0 {
		t.Fatalf("mkimage ran without rkbin: %v", host.commands)
	}
	if host.ran("make CROSS_COMPILE=aarch64-linux-gnu- PLAT=rk3588 bl31") != 0 {
		t.Fatal("bl31 built without arm trusted firmware")
	}
	mustContain(t, "log", te.log.String(), "optional source unavailable", "advisory step failed", "create idbloader")
}

func TestBuildBootloaderRequiresUboot(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, _ := testSet(t)

	err := s.buildBootloader(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.NetworkFailure; got != want {
		t.Fatalf("unexpected code: got %s want %s", got, want)
	}
	if host.ran("make") != 0 {
		t.Fatalf("make ran without u-boot source: %v", host.commands)
	}
}
