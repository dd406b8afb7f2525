package cli

import (
	"slices"
	"testing"

	"github.com/alecthomas/kong"
)

func newParserForTest(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()

	parser, err := kong.New(
		c,
		kong.Name("opibuild"),
		kong.Description("Orange Pi 5 Plus image builder"),
		kong.Vars{"version": "test"},
	)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	return parser
}

func TestBuildCommandParsesOverrides(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	ctx, err := parser.Parse([]string{"build", "--skip", "gpu,image", "--jobs", "4", "--release", "jammy", "--continue-on-error", "--dry-run"})
	if err != nil {
		t.Fatalf("parse build returned error: %v", err)
	}
	if got, want := ctx.Command(), "build"; got != want {
		t.Fatalf("unexpected command: got %q want %q", got, want)
	}
	if got, want := c.Build.Skip, []string{"gpu", "image"}; !slices.Equal(got, want) {
		t.Fatalf("unexpected skip list: got %v want %v", got, want)
	}
	if c.Build.Jobs != 4 || c.Build.Release != "jammy" || !c.Build.ContinueOnError || !c.Build.DryRun {
		t.Fatalf("flags not parsed: %+v", c.Build)
	}
}

func TestStatusCommandDefaults(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"status"}); err != nil {
		t.Fatalf("parse status returned error: %v", err)
	}
	if got, want := c.Status.Limit, 20; got != want {
		t.Fatalf("unexpected limit: got %d want %d", got, want)
	}
}

func TestConfigInitIsNested(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	ctx, err := parser.Parse([]string{"config", "init"})
	if err != nil {
		t.Fatalf("parse config init returned error: %v", err)
	}
	if got, want := ctx.Command(), "config init"; got != want {
		t.Fatalf("unexpected command: got %q want %q", got, want)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	parser := newParserForTest(t, &CLI{})

	if _, err := parser.Parse([]string{"flash"}); err == nil {
		t.Fatal("expected parse error for unknown command")
	}
}
