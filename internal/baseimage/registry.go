package baseimage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// The board is arm64 whatever the build host is.
var targetPlatform = v1.Platform{OS: "linux", Architecture: "arm64"}

func pullFromRegistry(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, "", fmt.Errorf("parse image reference %q: %w", ref, err)
	}

	img, err := remote.Image(parsed, remote.WithContext(ctx), remote.WithPlatform(targetPlatform))
	if err != nil {
		return nil, "", fmt.Errorf("pull OCI image %q: %w", ref, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, "", fmt.Errorf("read digest for %q: %w", ref, err)
	}
	return mutate.Extract(img), digest.String(), nil
}
