// Package workspace materialises composite directories holding one git
// worktree per repository in a named set. The engine is the only
// writer of the workspaces directory.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/repoask/repoask/internal/common/logger"
	"github.com/repoask/repoask/internal/query"
	"github.com/repoask/repoask/internal/repocache"
	"github.com/repoask/repoask/internal/registry"
)

// Member is one repository inside a workspace.
type Member struct {
	Name string
	// RelativePath is the member path inside the workspace, either
	// "name" or "name/searchPath" when the resource restricts the
	// agent to a subdirectory.
	RelativePath string
	Notes        string
}

// Workspace is a materialised composite directory.
type Workspace struct {
	Key     string
	Path    string
	Members []Member
}

// Engine creates and destroys workspaces. It resolves names through
// the registry and refreshes clones through the cache.
type Engine struct {
	baseDir  string
	registry *registry.Registry
	cache    *repocache.Cache
	logger   *logger.Logger

	keyLocks  map[string]*sync.Mutex
	keyLockMu sync.Mutex
}

// NewEngine creates an engine rooted at baseDir.
func NewEngine(baseDir string, reg *registry.Registry, cache *repocache.Cache, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		baseDir:  baseDir,
		registry: reg,
		cache:    cache,
		logger:   log.WithFields(zap.String("component", "workspace-engine")),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// keyLock returns (or lazily creates) the mutex for a workspace key.
func (e *Engine) keyLock(key string) *sync.Mutex {
	e.keyLockMu.Lock()
	defer e.keyLockMu.Unlock()

	if lock, exists := e.keyLocks[key]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	e.keyLocks[key] = lock
	return lock
}

// Path returns the directory for a workspace key.
func (e *Engine) Path(key string) string {
	return filepath.Join(e.baseDir, key)
}

// Ensure materialises the workspace for the given repository set,
// reusing it when all member worktrees are already present and valid.
// A workspace directory missing an expected member is treated as
// corrupt and rebuilt.
func (e *Engine) Ensure(ctx context.Context, names []string) (*Workspace, error) {
	key, err := query.WorkspaceKey(names)
	if err != nil {
		return nil, err
	}
	canonical := query.ParseKey(key)

	// Resolve all names before touching the filesystem.
	resources := make([]registry.Resource, 0, len(canonical))
	for _, name := range canonical {
		res, err := e.registry.Get(name)
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}

	// Refresh cache entries concurrently; the cache serialises per name.
	g, gctx := errgroup.WithContext(ctx)
	for _, res := range resources {
		res := res
		g.Go(func() error {
			return e.cache.EnsureFresh(gctx, res, repocache.Options{})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := e.Path(key)
	if _, statErr := os.Stat(path); statErr == nil {
		if e.allMembersValid(path, resources) {
			e.logger.Debug("reusing workspace", zap.String("key", key))
			return e.record(key, path, resources), nil
		}
		e.logger.Warn("workspace incomplete, rebuilding", zap.String("key", key))
		e.teardownLocked(ctx, key, path)
	}

	if err := e.createLocked(ctx, key, path, resources); err != nil {
		return nil, err
	}
	return e.record(key, path, resources), nil
}

// record builds the Workspace value for resolved resources.
func (e *Engine) record(key, path string, resources []registry.Resource) *Workspace {
	members := make([]Member, 0, len(resources))
	for _, res := range resources {
		members = append(members, Member{
			Name:         res.Name,
			RelativePath: res.RelativePath(),
			Notes:        res.SpecialNotes,
		})
	}
	return &Workspace{Key: key, Path: path, Members: members}
}

// allMembersValid reports whether every member has a valid linked
// worktree under the workspace directory.
func (e *Engine) allMembersValid(path string, resources []registry.Resource) bool {
	for _, res := range resources {
		if !isValidWorktree(filepath.Join(path, res.Name)) {
			return false
		}
	}
	return true
}

// isValidWorktree checks for a directory holding a .git file with a
// "gitdir:" pointer (linked worktrees have a file, not a directory).
func isValidWorktree(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// createLocked builds the workspace directory and one worktree per
// member. Failure mid-creation removes everything built in this
// attempt before surfacing the error. Callers must hold the key lock.
func (e *Engine) createLocked(ctx context.Context, key, path string, resources []registry.Resource) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	for _, res := range resources {
		if err := e.addWorktree(ctx, path, res); err != nil {
			e.logger.Error("worktree creation failed, cleaning up workspace",
				zap.String("key", key),
				zap.String("member", res.Name),
				zap.Error(err))
			e.teardownLocked(ctx, key, path)
			return err
		}
	}

	e.logger.Info("created workspace",
		zap.String("key", key),
		zap.String("path", path),
		zap.Int("members", len(resources)))
	return nil
}

// addWorktree links one member checkout at origin/<branch>.
func (e *Engine) addWorktree(ctx context.Context, path string, res registry.Resource) error {
	dest := filepath.Join(path, res.Name)
	ref := "origin/" + res.Branch

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", dest, ref)
	cmd.Dir = e.cache.Path(res.Name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: worktree add %s at %s: %s", ErrGitCommandFailed, res.Name, ref, strings.TrimSpace(string(out)))
	}
	return nil
}

// List enumerates workspace keys, sorted.
func (e *Engine) List() ([]string, error) {
	entries, err := os.ReadDir(e.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspaces directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			keys = append(keys, entry.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes the workspace for key: each member worktree is
// detached from its central clone, then the directory is deleted.
func (e *Engine) Clear(ctx context.Context, key string) error {
	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := e.Path(key)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &MissingError{Key: key}
		}
		return fmt.Errorf("stat workspace: %w", err)
	}

	e.teardownLocked(ctx, key, path)
	e.logger.Info("cleared workspace", zap.String("key", key))
	return nil
}

// ClearAll removes every workspace.
func (e *Engine) ClearAll(ctx context.Context) error {
	keys, err := e.List()
	if err != nil {
		return err
	}
	var lastErr error
	for _, key := range keys {
		if err := e.Clear(ctx, key); err != nil && !IsMissing(err) {
			lastErr = err
		}
	}
	return lastErr
}

// teardownLocked removes member worktrees and the workspace directory.
// Not-found and already-removed cases are tolerated; git worktree
// remove on a missing worktree is benign. Callers must hold the key lock.
func (e *Engine) teardownLocked(ctx context.Context, key, path string) {
	for _, name := range query.ParseKey(key) {
		repoPath := e.cache.Path(name)
		worktreePath := filepath.Join(path, name)

		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
		cmd.Dir = repoPath
		if out, err := cmd.CombinedOutput(); err != nil {
			e.logger.Debug("git worktree remove failed, pruning",
				zap.String("member", name),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err))

			// Stale registrations are cleaned by prune once the
			// directory is gone.
			_ = os.RemoveAll(worktreePath)
			prune := exec.CommandContext(ctx, "git", "worktree", "prune")
			prune.Dir = repoPath
			if pruneErr := prune.Run(); pruneErr != nil {
				e.logger.Debug("git worktree prune failed", zap.Error(pruneErr))
			}
		}
	}

	if err := os.RemoveAll(path); err != nil {
		e.logger.Warn("failed to remove workspace directory",
			zap.String("path", path),
			zap.Error(err))
	}
}
