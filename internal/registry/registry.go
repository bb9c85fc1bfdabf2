// Package registry persists and looks up resource definitions: named
// git repositories the agent can be pointed at.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/repoask/repoask/internal/common/logger"
)

// Resource is one named source of context. The JSON shape is the
// on-disk resource descriptor.
type Resource struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Branch       string `json:"branch"`
	SpecialNotes string `json:"specialNotes,omitempty"`
	SearchPath   string `json:"searchPath,omitempty"`
}

// RelativePath returns the path of this resource inside a workspace:
// the name, or name/searchPath when a subdirectory restriction is set.
func (r Resource) RelativePath() string {
	if r.SearchPath != "" {
		return filepath.Join(r.Name, r.SearchPath)
	}
	return r.Name
}

var nameRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// document is the JSON-shaped file the registry owns.
type document struct {
	Resources []Resource `json:"resources"`
}

// Registry is a resource store backed by a single JSON document.
// It loads once at construction and writes back on every mutation;
// writes are serialised by a process-wide mutex.
type Registry struct {
	path      string
	mu        sync.Mutex
	resources []Resource // insertion order
	logger    *logger.Logger
}

// Open loads (or initialises) the registry document at path.
func Open(path string, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Default()
	}
	r := &Registry{
		path:   path,
		logger: log.WithFields(zap.String("component", "registry")),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	r.resources = doc.Resources
	return r, nil
}

// List returns all resources in insertion order.
func (r *Registry) List() []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resource, len(r.resources))
	copy(out, r.resources)
	return out
}

// Get returns the resource with the given name, or a *NotFoundError.
func (r *Registry) Get(name string) (Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.resources {
		if res.Name == name {
			return res, nil
		}
	}
	return Resource{}, &NotFoundError{Name: name}
}

// Add validates and persists a new resource. Names must match
// ^[a-z0-9_-]+$ and be unique case-insensitively.
func (r *Registry) Add(res Resource) (Resource, error) {
	if !nameRegex.MatchString(res.Name) {
		return Resource{}, fmt.Errorf("%w: %q", ErrInvalidName, res.Name)
	}
	if res.URL == "" {
		return Resource{}, fmt.Errorf("resource %q: url is required", res.Name)
	}
	if res.Branch == "" {
		res.Branch = "main"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.resources {
		if strings.EqualFold(existing.Name, res.Name) {
			return Resource{}, &DuplicateError{Name: res.Name}
		}
	}

	r.resources = append(r.resources, res)
	if err := r.persistLocked(); err != nil {
		r.resources = r.resources[:len(r.resources)-1]
		return Resource{}, err
	}

	r.logger.Info("added resource",
		zap.String("name", res.Name),
		zap.String("url", res.URL),
		zap.String("branch", res.Branch))
	return res, nil
}

// Remove deletes the named resource. The cached clone is never touched.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, res := range r.resources {
		if res.Name == name {
			r.resources = append(r.resources[:i], r.resources[i+1:]...)
			if err := r.persistLocked(); err != nil {
				return err
			}
			r.logger.Info("removed resource", zap.String("name", name))
			return nil
		}
	}
	return &NotFoundError{Name: name}
}

// persistLocked writes the document atomically (temp file + rename).
// Callers must hold r.mu.
func (r *Registry) persistLocked() error {
	doc := document{Resources: r.resources}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
