package pipeline

import (
	"context"
	"fmt"
)

const (
	StageAcquireKernelSource   = "acquire-kernel-source"
	StageConfigureKernel       = "configure-kernel"
	StageBuildKernel           = "build-kernel"
	StageAcquireGPUBlobs       = "acquire-gpu-blobs"
	StageBuildRootfs           = "build-rootfs"
	StageInstallKernelArtifact = "install-kernel-artifacts"
	StageInstallGPUDrivers     = "install-gpu-drivers"
	StageConfigureServices     = "configure-services"
	StageBuildBootloader       = "build-bootloader"
	StageAssembleImage         = "assemble-image"
)

// Order is the fixed execution order of every stage.
var Order = []string{
	StageAcquireKernelSource,
	StageConfigureKernel,
	StageBuildKernel,
	StageAcquireGPUBlobs,
	StageBuildRootfs,
	StageInstallKernelArtifact,
	StageInstallGPUDrivers,
	StageConfigureServices,
	StageBuildBootloader,
	StageAssembleImage,
}

// Stage is one named unit of the build.
type Stage interface {
	Name() string
	// Feature gates the stage. FeatureNone means always run.
	Feature() Feature
	Run(ctx context.Context, env *Env) error
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName    string
	StageFeature Feature
	Fn           func(ctx context.Context, env *Env) error
}

func (s StageFunc) Name() string     { return s.StageName }
func (s StageFunc) Feature() Feature { return s.StageFeature }

func (s StageFunc) Run(ctx context.Context, env *Env) error {
	return s.Fn(ctx, env)
}

func orderIndex(name string) int {
	for i, n := range Order {
		if n == name {
			return i
		}
	}
	return -1
}

func validateStages(stages []Stage) error {
	last := -1
	seen := map[string]struct{}{}
	for _, st := range stages {
		name := st.Name()
		idx := orderIndex(name)
		if idx < 0 {
			return fmt.Errorf("unknown stage %q", name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("stage %q listed twice", name)
		}
		seen[name] = struct{}{}
		if idx < last {
			return fmt.Errorf("stage %q is out of order", name)
		}
		last = idx
	}
	return nil
}
