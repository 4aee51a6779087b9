package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader loads agent profiles from YAML files on disk.
type Loader struct {
	searchPaths []string
	validator   *validator.Validate
}

// NewLoader creates a loader over the given search paths. Paths that do not
// exist are dropped up front.
func NewLoader(searchPaths []string) *Loader {
	existing := make([]string, 0, len(searchPaths))
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	return &Loader{
		searchPaths: existing,
		validator:   validator.New(),
	}
}

// SearchPaths returns the normalized search paths.
func (l *Loader) SearchPaths() []string {
	paths := make([]string, len(l.searchPaths))
	copy(paths, l.searchPaths)
	return paths
}

// LoadAll loads profiles from every configured search path.
//
// Later search paths override earlier ones when profile ids collide. Parse
// and validation failures are aggregated across all files into a single
// ErrProfileLoad so one bad file reports alongside the rest.
func (l *Loader) LoadAll() (map[string]*Profile, error) {
	profiles := make(map[string]*Profile)
	if len(l.searchPaths) == 0 {
		return profiles, nil
	}

	var failures []string
	for _, base := range l.searchPaths {
		for _, path := range profileFiles(base) {
			data, err := os.ReadFile(path)
			if err != nil {
				failures = append(failures, fmt.Sprintf("read %s: %v", path, err))
				continue
			}
			if len(strings.TrimSpace(string(data))) == 0 {
				continue
			}

			var p Profile
			if err := yaml.Unmarshal(data, &p); err != nil {
				failures = append(failures, fmt.Sprintf("parse YAML in %s: %v", path, err))
				continue
			}
			if err := p.validate(l.validator); err != nil {
				failures = append(failures, fmt.Sprintf("invalid profile in %s: %v", path, err))
				continue
			}

			profiles[p.ID] = &p
		}
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrProfileLoad, strings.Join(failures, "; "))
	}
	return profiles, nil
}

// Get returns a single profile by id.
func (l *Loader) Get(id string) (*Profile, error) {
	profiles, err := l.LoadAll()
	if err != nil {
		return nil, err
	}
	p, ok := profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, id)
	}
	return p, nil
}

// profileFiles returns the YAML files under a directory, sorted for
// deterministic load order (.yml before .yaml, matching the original
// loader's glob ordering).
func profileFiles(dir string) []string {
	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files
}
