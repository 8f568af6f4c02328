package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

var (
	errIncludeCycle  = errors.New("circular include")
	errIncludeEscape = errors.New("include escapes config directory")
	errIncludeDepth  = errors.New("include depth exceeded")
)

// includeResolver overlays included fragments onto a Config. Scalar and
// section fields are last-writer-wins; agent declarations accumulate by
// name so a conf.d directory can hold one agent per file.
type includeResolver struct {
	root string
	seen map[string]bool
}

func newIncludeResolver(mainFile string) *includeResolver {
	return &includeResolver{
		root: filepath.Dir(mainFile),
		seen: map[string]bool{mainFile: true},
	}
}

// apply loads every fragment matched by patterns, relative to dir.
func (r *includeResolver) apply(cfg *Config, dir string, patterns []string, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: %w (max %d)", errIncludeDepth, maxIncludeDepth)
	}
	for _, pattern := range patterns {
		files, err := r.match(dir, pattern)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := r.overlay(cfg, f, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// match expands pattern into absolute file paths. A glob with no match
// yields nothing; a literal path is returned as-is so a missing file is
// reported when it is read.
func (r *includeResolver) match(dir, pattern string) ([]string, error) {
	full := pattern
	if !filepath.IsAbs(full) {
		full = filepath.Join(dir, full)
	}
	full, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return nil, fmt.Errorf("config includes: resolve %q: %w", pattern, err)
	}
	if rel, err := filepath.Rel(r.root, full); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: %q: %w", pattern, errIncludeEscape)
	}

	if !strings.ContainsAny(full, "*?[") {
		return []string{full}, nil
	}
	files, err := filepath.Glob(full)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	return files, nil
}

func (r *includeResolver) overlay(cfg *Config, file string, depth int) error {
	if r.seen[file] {
		return fmt.Errorf("config includes: %q: %w", file, errIncludeCycle)
	}
	r.seen[file] = true

	if err := validatePermissions(file); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", file, err)
	}

	declared := cfg.Agents
	cfg.Agents, cfg.Includes = nil, nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg.Agents = declared
		return fmt.Errorf("config includes: parse %q: %w", file, err)
	}
	cfg.Agents = mergeAgents(declared, cfg.Agents)

	nested := cfg.Includes
	cfg.Includes = nil
	if len(nested) == 0 {
		return nil
	}
	return r.apply(cfg, filepath.Dir(file), nested, depth+1)
}

// mergeAgents appends next to base. An agent already in base is replaced
// in place by a later declaration of the same name.
func mergeAgents(base, next []AgentConfig) []AgentConfig {
	if len(next) == 0 {
		return base
	}
	out := append([]AgentConfig(nil), base...)
	index := make(map[string]int, len(out))
	for i, a := range out {
		index[a.Name] = i
	}
	for _, a := range next {
		if i, ok := index[a.Name]; ok {
			out[i] = a
			continue
		}
		index[a.Name] = len(out)
		out = append(out, a)
	}
	return out
}
