package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/repoask/repoask/internal/common/logger"
	"github.com/repoask/repoask/internal/query"
	"github.com/repoask/repoask/internal/registry"
	"github.com/repoask/repoask/internal/repocache"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func initOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "git", "init", "-b", "main")
	run(t, dir, "git", "config", "user.email", "test@example.com")
	run(t, dir, "git", "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "-m", "initial")
	return dir
}

func run(t *testing.T, dir string, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v failed: %v\n%s", name, args, err, out)
	}
}

func output(t *testing.T, dir string, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v failed: %v\n%s", name, args, err, out)
	}
	return string(out)
}

// newTestEngine builds an engine over a registry containing the named
// resources, each backed by its own local origin repository.
func newTestEngine(t *testing.T, names ...string) (*Engine, *repocache.Cache) {
	t.Helper()
	log := newTestLogger()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "resources.json"), log)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	for _, name := range names {
		origin := initOriginRepo(t)
		if _, err := reg.Add(registry.Resource{Name: name, URL: origin, Branch: "main"}); err != nil {
			t.Fatalf("add resource %q: %v", name, err)
		}
	}

	cache := repocache.New(t.TempDir(), log)
	engine := NewEngine(t.TempDir(), reg, cache, log)
	return engine, cache
}

func TestEnsureCreatesWorktreePerMember(t *testing.T) {
	engine, _ := newTestEngine(t, "svelte", "daytona")

	ws, err := engine.Ensure(context.Background(), []string{"svelte", "daytona"})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if ws.Key != "daytona+svelte" {
		t.Errorf("key = %q, want daytona+svelte", ws.Key)
	}
	if len(ws.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(ws.Members))
	}
	for _, member := range ws.Members {
		dir := filepath.Join(ws.Path, member.Name)
		if !isValidWorktree(dir) {
			t.Errorf("member %q is not a valid worktree at %s", member.Name, dir)
		}
	}
}

func TestEnsureTwiceReusesWorkspace(t *testing.T) {
	engine, _ := newTestEngine(t, "svelte", "daytona")
	ctx := context.Background()

	first, err := engine.Ensure(ctx, []string{"svelte", "daytona"})
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}

	// A sentinel surviving the second call proves no rebuild happened.
	sentinel := filepath.Join(first.Path, "svelte", "sentinel.txt")
	if err := os.WriteFile(sentinel, []byte("x"), 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	second, err := engine.Ensure(ctx, []string{"daytona", "svelte"})
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if second.Path != first.Path || second.Key != first.Key {
		t.Errorf("second Ensure returned %q/%q, want %q/%q", second.Key, second.Path, first.Key, first.Path)
	}
	if _, err := os.Stat(sentinel); err != nil {
		t.Errorf("sentinel gone: workspace was rebuilt instead of reused")
	}
}

func TestEnsureRebuildsIncompleteWorkspace(t *testing.T) {
	engine, _ := newTestEngine(t, "svelte", "daytona")
	ctx := context.Background()

	ws, err := engine.Ensure(ctx, []string{"svelte", "daytona"})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	// Simulate a partial workspace: one member vanished.
	if err := os.RemoveAll(filepath.Join(ws.Path, "daytona")); err != nil {
		t.Fatalf("remove member: %v", err)
	}

	rebuilt, err := engine.Ensure(ctx, []string{"svelte", "daytona"})
	if err != nil {
		t.Fatalf("rebuild Ensure failed: %v", err)
	}
	for _, name := range []string{"svelte", "daytona"} {
		if !isValidWorktree(filepath.Join(rebuilt.Path, name)) {
			t.Errorf("member %q missing after rebuild", name)
		}
	}
}

func TestEnsureUnknownResource(t *testing.T) {
	engine, _ := newTestEngine(t, "svelte")

	_, err := engine.Ensure(context.Background(), []string{"svelte", "nope"})
	if !registry.IsNotFound(err) {
		t.Fatalf("expected registry NotFound, got %v", err)
	}
}

func TestEnsureEmptySet(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Ensure(context.Background(), nil)
	if err != query.ErrEmptySet {
		t.Fatalf("expected ErrEmptySet, got %v", err)
	}
	// No directories may have been created.
	keys, err := engine.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("empty-set Ensure created workspaces: %v", keys)
	}
}

func TestClearRemovesWorkspaceAndRegistrations(t *testing.T) {
	engine, cache := newTestEngine(t, "svelte", "daytona")
	ctx := context.Background()

	ws, err := engine.Ensure(ctx, []string{"svelte", "daytona"})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	if err := engine.Clear(ctx, ws.Key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Errorf("workspace directory still exists after Clear")
	}

	// No worktree registrations referencing the workspace may remain.
	for _, name := range []string{"svelte", "daytona"} {
		listing := output(t, cache.Path(name), "git", "worktree", "list", "--porcelain")
		if strings.Contains(listing, ws.Path) {
			t.Errorf("central clone %q still references cleared workspace:\n%s", name, listing)
		}
	}

	if err := engine.Clear(ctx, ws.Key); !IsMissing(err) {
		t.Errorf("second Clear should be MissingError, got %v", err)
	}
}

func TestClearAll(t *testing.T) {
	engine, _ := newTestEngine(t, "a", "b", "c")
	ctx := context.Background()

	if _, err := engine.Ensure(ctx, []string{"a"}); err != nil {
		t.Fatalf("Ensure a: %v", err)
	}
	if _, err := engine.Ensure(ctx, []string{"b", "c"}); err != nil {
		t.Fatalf("Ensure b+c: %v", err)
	}

	if err := engine.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	keys, err := engine.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("workspaces remain after ClearAll: %v", keys)
	}
}

func TestListSorted(t *testing.T) {
	engine, _ := newTestEngine(t, "m", "a", "z")
	ctx := context.Background()

	for _, set := range [][]string{{"z"}, {"a"}, {"m"}} {
		if _, err := engine.Ensure(ctx, set); err != nil {
			t.Fatalf("Ensure %v: %v", set, err)
		}
	}

	keys, err := engine.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"a", "m", "z"}
	for i, key := range keys {
		if key != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, key, want[i])
		}
	}
}

func TestEnsureCleansUpOnMemberFailure(t *testing.T) {
	// A resource whose registered branch does not exist makes the
	// worktree step fail after the clone succeeded.
	log := newTestLogger()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "resources.json"), log)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	goodOrigin := initOriginRepo(t)
	badOrigin := initOriginRepo(t)
	if _, err := reg.Add(registry.Resource{Name: "good", URL: goodOrigin, Branch: "main"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Add(registry.Resource{Name: "bad", URL: badOrigin, Branch: "no-such-branch"}); err != nil {
		t.Fatal(err)
	}
	cache := repocache.New(t.TempDir(), log)
	engine := NewEngine(t.TempDir(), reg, cache, log)

	_, err = engine.Ensure(context.Background(), []string{"good", "bad"})
	if err == nil {
		t.Fatal("Ensure should have failed for missing branch")
	}

	// Partial creation must leave no artefacts behind.
	keys, listErr := engine.List()
	if listErr != nil {
		t.Fatalf("List failed: %v", listErr)
	}
	if len(keys) != 0 {
		t.Errorf("partial workspace left behind: %v", keys)
	}
}
