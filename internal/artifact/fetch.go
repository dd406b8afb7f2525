package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/runner"
)

const userAgent = "opibuild"

// GitFetcher shallow-clones a repository through the Runner.
type GitFetcher struct {
	Runner *runner.Runner
	// Depth defaults to 1.
	Depth int
}

func (f *GitFetcher) Fetch(ctx context.Context, req FetchRequest) error {
	depth := f.Depth
	if depth <= 0 {
		depth = 1
	}
	args := []string{"clone", "--depth", fmt.Sprint(depth)}
	if req.Ref != "" {
		args = append(args, "--branch", req.Ref)
	}
	display := "git " + strings.Join(args, " ") + " " + req.Display + " " + req.Dest
	args = append(args, req.Locator, req.Dest)

	var env []string
	if req.Token != "" {
		env = GitConfigEnv(BuildRewriteRules(req.Token, []string{HostOf(req.Display)}))
	}
	env = append(env, "GIT_TERMINAL_PROMPT=0")

	return f.Runner.Run(ctx, runner.Command{
		Name:     "git",
		Args:     args,
		Env:      env,
		Display:  display,
		FailCode: req.FailCode,
	}, req.Retry)
}

// HTTPFetcher downloads a single file with net/http.
type HTTPFetcher struct {
	Runner *runner.Runner
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) error {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return f.Runner.Do(ctx, "download "+req.Display, req.Retry, func(ctx context.Context) error {
		if err := download(ctx, client, req.Locator, req.Display, req.Dest); err != nil {
			return failure.Wrap(err, req.FailCode, "download "+req.Display)
		}
		return nil
	})
}

func download(ctx context.Context, client *http.Client, locator, display, dest string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", display, stripURL(err))
	}
	httpReq.Header.Set("User-Agent", userAgent)

	res, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("download %s: %w", display, stripURL(err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("download %s: unexpected status %d: %s", display, res.StatusCode, strings.TrimSpace(string(body)))
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", dest, err)
	}
	if _, err := io.Copy(out, res.Body); err != nil {
		out.Close()
		return fmt.Errorf("write %q: %w", dest, err)
	}
	return out.Close()
}

// stripURL drops the URL from a *url.Error; it may carry a credential.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
