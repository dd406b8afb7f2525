package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.jetify.com/typeid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Options{DBPath: filepath.Join(t.TempDir(), "state", "history.db")})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return store
}

func TestRecordAndListNewestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run_a", "run_b", "run_c"} {
		err := store.Record(ctx, Run{
			ID:            id,
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			FinishedAt:    base.Add(time.Duration(i)*time.Hour + time.Minute),
			State:         "succeeded",
			Release:       "22.04",
			Codename:      "jammy",
			KernelVersion: "6.1.0",
			Flavor:        "server",
			Stages: []StageOutcome{
				{Stage: "build-kernel", Status: "succeeded", DurationMS: 60000},
			},
		})
		if err != nil {
			t.Fatalf("Record(%s) returned error: %v", id, err)
		}
	}

	runs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected two runs, got %d", len(runs))
	}
	if got, want := runs[0].ID, "run_c"; got != want {
		t.Fatalf("unexpected newest run: got %q want %q", got, want)
	}
	if got, want := runs[0].Stages[0].Stage, "build-kernel"; got != want {
		t.Fatalf("unexpected stage outcome: got %q want %q", got, want)
	}

	all, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List(0) returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all runs, got %d", len(all))
	}
}

func TestRecordUpdatesExistingRun(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	run := Run{ID: "run_x", StartedAt: time.Unix(100, 0), State: "not-started"}
	if err := store.Record(ctx, run); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	run.State = "aborted"
	run.ExitCode = 4
	run.FinishedAt = time.Unix(200, 0)
	if err := store.Record(ctx, run); err != nil {
		t.Fatalf("Record (update) returned error: %v", err)
	}

	got, found, err := store.Get(ctx, "run_x")
	if err != nil || !found {
		t.Fatalf("Get returned found=%v err=%v", found, err)
	}
	if got.State != "aborted" || got.ExitCode != 4 {
		t.Fatalf("unexpected run after update: %+v", got)
	}
	if got, want := got.FinishedAt, time.Unix(200, 0).UTC(); !got.Equal(want) {
		t.Fatalf("unexpected finish time: got %s want %s", got, want)
	}
}

func TestGetAndLastOnEmptyStore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, found, err := store.Get(context.Background(), "run_missing"); err != nil || found {
		t.Fatalf("expected missing run, got found=%v err=%v", found, err)
	}
	if _, found, err := store.Last(context.Background()); err != nil || found {
		t.Fatalf("expected no last run, got found=%v err=%v", found, err)
	}
}

func TestRecordRequiresID(t *testing.T) {
	t.Parallel()

	if err := newTestStore(t).Record(context.Background(), Run{}); err == nil {
		t.Fatal("expected error for run without id")
	}
}

func TestNewRunIDUsesTypeIDPrefix(t *testing.T) {
	id := NewRunID()
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected generated id to be parseable typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), "run"; got != want {
		t.Fatalf("unexpected prefix: got %q want %q", got, want)
	}
}

func TestNewRunIDFallsBackWhenGeneratorFails(t *testing.T) {
	original := generateTypeID
	t.Cleanup(func() {
		generateTypeID = original
	})
	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	if id := NewRunID(); !strings.HasPrefix(id, "run-") {
		t.Fatalf("expected timestamp fallback, got %q", id)
	}
}
