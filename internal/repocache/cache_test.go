package repocache

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/repoask/repoask/internal/common/logger"
	"github.com/repoask/repoask/internal/registry"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// initOriginRepo creates a git repository with one commit and returns its path.
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

func TestEnsureFreshClonesThenFetches(t *testing.T) {
	origin := initOriginRepo(t)
	cache := New(t.TempDir(), newTestLogger())
	res := registry.Resource{Name: "demo", URL: origin, Branch: "main"}

	if err := cache.EnsureFresh(context.Background(), res, Options{Quiet: true}); err != nil {
		t.Fatalf("first EnsureFresh failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cache.Path("demo"), ".git")); err != nil {
		t.Fatalf("clone missing: %v", err)
	}

	// Second call takes the fetch path.
	if err := cache.EnsureFresh(context.Background(), res, Options{Quiet: true}); err != nil {
		t.Fatalf("second EnsureFresh failed: %v", err)
	}
}

func TestEnsureFreshNetworkError(t *testing.T) {
	cache := New(t.TempDir(), newTestLogger())
	res := registry.Resource{Name: "ghost", URL: filepath.Join(t.TempDir(), "does-not-exist"), Branch: "main"}

	err := cache.EnsureFresh(context.Background(), res, Options{Quiet: true})
	if !IsNetwork(err) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	// A failed clone must not leave a half-written cache entry behind.
	if _, statErr := os.Stat(cache.Path("ghost")); !os.IsNotExist(statErr) {
		t.Errorf("failed clone left directory behind")
	}
}

func TestEnsureFreshDetectsOriginMismatch(t *testing.T) {
	originA := initOriginRepo(t)
	originB := initOriginRepo(t)
	cache := New(t.TempDir(), newTestLogger())

	resA := registry.Resource{Name: "repo", URL: originA, Branch: "main"}
	if err := cache.EnsureFresh(context.Background(), resA, Options{Quiet: true}); err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}

	// Same cache entry, different registered origin: corrupt.
	resB := registry.Resource{Name: "repo", URL: originB, Branch: "main"}
	err := cache.EnsureFresh(context.Background(), resB, Options{Quiet: true})
	if !IsCorrupt(err) {
		t.Fatalf("expected CorruptError, got %v", err)
	}
}

func TestEnsureFreshRejectsNonGitDirectory(t *testing.T) {
	origin := initOriginRepo(t)
	cache := New(t.TempDir(), newTestLogger())
	res := registry.Resource{Name: "demo", URL: origin, Branch: "main"}

	// A leftover directory that is not a clone must surface as corrupt,
	// not fall into the clone path.
	if err := os.MkdirAll(cache.Path("demo"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cache.Path("demo"), "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	err := cache.EnsureFresh(context.Background(), res, Options{Quiet: true})
	if !IsCorrupt(err) {
		t.Fatalf("expected CorruptError, got %v", err)
	}
	// The stray directory is untouched; deletion is the user's call.
	if _, statErr := os.Stat(filepath.Join(cache.Path("demo"), "stray.txt")); statErr != nil {
		t.Errorf("stray directory modified: %v", statErr)
	}
}

func TestEnsureFreshConcurrentSameName(t *testing.T) {
	origin := initOriginRepo(t)
	cache := New(t.TempDir(), newTestLogger())
	res := registry.Resource{Name: "demo", URL: origin, Branch: "main"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = cache.EnsureFresh(context.Background(), res, Options{Quiet: true})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("concurrent EnsureFresh %d failed: %v", i, err)
		}
	}
	if _, err := os.Stat(filepath.Join(cache.Path("demo"), ".git")); err != nil {
		t.Fatalf("clone missing after concurrent ensure: %v", err)
	}
}
