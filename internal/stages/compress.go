package stages

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// compressImage writes path.xz or path.zst next to path and returns its
// name. The uncompressed image is kept.
func compressImage(path, format string) (string, error) {
	var ext string
	switch format {
	case "xz":
		ext = ".xz"
	case "zstd":
		ext = ".zst"
	default:
		return "", fmt.Errorf("unsupported compression %q", format)
	}
	dst := path + ext

	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Cleanup()

	var w io.WriteCloser
	switch format {
	case "xz":
		w, err = xz.NewWriter(out)
	case "zstd":
		w, err = zstd.NewWriter(out)
	}
	if err != nil {
		return "", fmt.Errorf("start %s encoder: %w", format, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish %s: %w", dst, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("replace %s: %w", dst, err)
	}
	return dst, nil
}
