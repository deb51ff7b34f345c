// Package contextrepo reads the structured context repository the assistant
// operates on: YAML entity files addressed by relative path or entity id.
// The repository layout itself belongs to the desktop tool; this package
// only reads it.
package contextrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Lukeus/context-kit-engine/internal/observability"
)

// Sentinel errors for repository access.
var (
	// ErrEntityNotFound indicates no entity matches the requested path/id.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrPathEscapes indicates a path that would leave the repository root.
	ErrPathEscapes = errors.New("path escapes repository root")
)

// Entity is one parsed specification entity. Unknown YAML keys are ignored;
// the engine only needs enough structure for lookups and similarity.
type Entity struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
	Relations   []string `yaml:"relations"`

	// Path is the entity's file path relative to the repository root.
	Path string `yaml:"-"`
}

// Match is one search hit.
type Match struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
}

// Repo provides read access to a context repository rooted at one directory.
type Repo struct {
	root   string
	logger *observability.Logger
}

// Open validates the root directory and returns a repo.
func Open(root string, logger *observability.Logger) (*Repo, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("repository root %s: not a directory", root)
	}
	return &Repo{root: root, logger: logger}, nil
}

// Root returns the repository root path.
func (r *Repo) Root() string {
	return r.root
}

// ReadFile returns the raw contents of one repository file by relative path.
func (r *Repo) ReadFile(_ context.Context, relPath string) (string, error) {
	abs, err := r.resolve(relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrEntityNotFound, relPath)
		}
		return "", fmt.Errorf("read %s: %w", relPath, err)
	}
	return string(data), nil
}

// Search scans every YAML file for a case-insensitive substring and returns
// up to limit matches ordered by path then line.
func (r *Repo) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	var matches []Match
	err := r.walkYAML(func(relPath string, data []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, Match{
					Path:    relPath,
					Line:    i + 1,
					Snippet: strings.TrimSpace(line),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Path != matches[j].Path {
			return matches[i].Path < matches[j].Path
		}
		return matches[i].Line < matches[j].Line
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Entity loads one entity by id, scanning YAML files for a matching id
// field.
func (r *Repo) Entity(ctx context.Context, id string) (*Entity, error) {
	entities, err := r.loadEntities(ctx)
	if err != nil {
		return nil, err
	}
	for _, entity := range entities {
		if entity.ID == id {
			return entity, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
}

// Similar ranks other entities by shared kind and tag overlap with the
// given entity, returning up to limit results, most similar first.
func (r *Repo) Similar(ctx context.Context, id string, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 5
	}
	entities, err := r.loadEntities(ctx)
	if err != nil {
		return nil, err
	}

	var target *Entity
	for _, entity := range entities {
		if entity.ID == id {
			target = entity
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}

	targetTags := make(map[string]bool, len(target.Tags))
	for _, tag := range target.Tags {
		targetTags[tag] = true
	}

	type scored struct {
		entity *Entity
		score  int
	}
	var candidates []scored
	for _, entity := range entities {
		if entity.ID == target.ID {
			continue
		}
		score := 0
		if entity.Kind != "" && entity.Kind == target.Kind {
			score += 2
		}
		for _, tag := range entity.Tags {
			if targetTags[tag] {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{entity, score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entity.ID < candidates[j].entity.ID
	})

	out := make([]*Entity, 0, limit)
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		out = append(out, c.entity)
	}
	return out, nil
}

func (r *Repo) loadEntities(ctx context.Context) ([]*Entity, error) {
	var entities []*Entity
	err := r.walkYAML(func(relPath string, data []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var entity Entity
		if err := yaml.Unmarshal(data, &entity); err != nil {
			// Non-entity YAML is skipped, not fatal.
			return nil
		}
		if entity.ID == "" {
			return nil
		}
		entity.Path = relPath
		entities = append(entities, &entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return entities, nil
}

func (r *Repo) walkYAML(fn func(relPath string, data []byte) error) error {
	return filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), data)
	})
}

// resolve joins relPath to the root and rejects traversal outside it.
func (r *Repo) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapes)
	}
	abs := filepath.Join(r.root, filepath.FromSlash(relPath))
	rootAbs, err := filepath.Abs(r.root)
	if err != nil {
		return "", err
	}
	absClean, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	if absClean != rootAbs && !strings.HasPrefix(absClean, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, relPath)
	}
	return absClean, nil
}
