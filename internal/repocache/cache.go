// Package repocache keeps a central clone of every known repository
// fresh. Clones are never checked out directly; all reads go through
// worktrees created by the workspace engine.
package repocache

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/repoask/repoask/internal/common/logger"
	"github.com/repoask/repoask/internal/registry"
)

// Options adjusts a single EnsureFresh call.
type Options struct {
	// Quiet suppresses per-repository progress logging.
	Quiet bool
}

// Cache owns <reposDir> and is its exclusive writer.
type Cache struct {
	baseDir string
	logger  *logger.Logger
	// group collapses concurrent EnsureFresh calls for the same name:
	// additional callers await the first in-flight fetch. Different
	// names proceed in parallel.
	group singleflight.Group
}

// New creates a cache rooted at baseDir.
func New(baseDir string, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Default()
	}
	return &Cache{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "repocache")),
	}
}

// Path returns the central clone location for a resource name.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.baseDir, name)
}

// EnsureFresh clones the resource if its cache entry is absent, or
// verifies and fetches it if present. The working copy is never
// modified.
func (c *Cache) EnsureFresh(ctx context.Context, res registry.Resource, opts Options) error {
	_, err, _ := c.group.Do(res.Name, func() (interface{}, error) {
		return nil, c.ensureFresh(ctx, res, opts)
	})
	return err
}

func (c *Cache) ensureFresh(ctx context.Context, res registry.Resource, opts Options) error {
	target := c.Path(res.Name)

	gitDir := filepath.Join(target, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		if err := c.verifyOrigin(ctx, res, target); err != nil {
			return err
		}
		return c.fetch(ctx, res, target, opts)
	}

	// The directory exists but is not a clone: never clone over it.
	// Deletion is left to the user, same as an origin mismatch.
	if _, statErr := os.Stat(target); statErr == nil {
		return &CorruptError{Name: res.Name, Path: target, WantURL: res.URL}
	}

	return c.clone(ctx, res, target, opts)
}

// verifyOrigin checks that the existing clone tracks the registered URL.
func (c *Cache) verifyOrigin(ctx context.Context, res registry.Resource, target string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", target, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return &CorruptError{Name: res.Name, Path: target, WantURL: res.URL}
	}
	found := strings.TrimSpace(string(out))
	if found != res.URL {
		return &CorruptError{Name: res.Name, Path: target, WantURL: res.URL, FoundURL: found}
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, res registry.Resource, target string, opts Options) error {
	if !opts.Quiet {
		c.logger.Debug("repository already cloned, fetching",
			zap.String("name", res.Name),
			zap.String("path", target))
	}
	cmd := exec.CommandContext(ctx, "git", "-C", target, "fetch", "origin", "--prune")
	if out, err := cmd.CombinedOutput(); err != nil {
		return &NetworkError{
			Name:  res.Name,
			Cause: fmt.Errorf("git fetch: %s: %w", strings.TrimSpace(string(out)), err),
		}
	}
	return nil
}

func (c *Cache) clone(ctx context.Context, res registry.Resource, target string, opts Options) error {
	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return fmt.Errorf("create repos directory: %w", err)
	}

	if !opts.Quiet {
		c.logger.Info("cloning repository",
			zap.String("name", res.Name),
			zap.String("url", res.URL),
			zap.String("target", target))
	}

	cmd := exec.CommandContext(ctx, "git", "clone", res.URL, target)
	if out, err := cmd.CombinedOutput(); err != nil {
		// A half-written clone directory must not masquerade as a cache entry.
		_ = os.RemoveAll(target)
		return &NetworkError{
			Name:  res.Name,
			Cause: fmt.Errorf("git clone: %s: %w", strings.TrimSpace(string(out)), err),
		}
	}
	return nil
}
