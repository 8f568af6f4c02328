package keywords

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"agent-orchestrator/internal/domain"
)

const (
	// DefaultMaxBackups is how many backups are kept per agent.
	DefaultMaxBackups = 10

	fileExt       = ".yaml"
	backupDirName = "backups"
	backupStamp   = "20060102T150405.000000000"
)

// FileStore keeps one YAML file per agent under dir. Every overwrite first
// copies the previous file into dir/backups.
type FileStore struct {
	dir        string
	backupDir  string
	maxBackups int

	mu  sync.Mutex
	now func() time.Time
}

var _ domain.KeywordStore = (*FileStore)(nil)

// NewFileStore creates the store directory if needed. maxBackups <= 0 uses
// DefaultMaxBackups.
func NewFileStore(dir string, maxBackups int) (*FileStore, error) {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	backupDir := filepath.Join(dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("create keywords dir: %w", err)
	}
	return &FileStore{
		dir:        dir,
		backupDir:  backupDir,
		maxBackups: maxBackups,
		now:        time.Now,
	}, nil
}

// Dir returns the directory holding the agent files.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Get(_ context.Context, agent string) (*domain.AgentKeywords, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(agent), agent)
}

func (s *FileStore) List(context.Context) ([]*domain.AgentKeywords, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read keywords dir: %w", err)
	}
	var out []*domain.AgentKeywords
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		cfg, err := s.read(filepath.Join(s.dir, e.Name()), "")
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

func (s *FileStore) Save(_ context.Context, cfg *domain.AgentKeywords) error {
	if err := validate(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal keywords for %q: %w", cfg.Agent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(cfg.Agent)
	if err := s.backup(path); err != nil {
		return err
	}
	// Write to a temp file and rename so readers never see a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write keywords for %q: %w", cfg.Agent, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write keywords for %q: %w", cfg.Agent, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(agent)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("keywords for %q: %w", agent, domain.ErrNotFound)
	}
	if err := s.backup(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete keywords for %q: %w", agent, err)
	}
	return nil
}

// Backups returns the backup files of agent, oldest first.
func (s *FileStore) Backups(agent string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backups(fileBase(agent))
}

func (s *FileStore) read(path, agent string) (*domain.AgentKeywords, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("keywords for %q: %w", agent, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var cfg domain.AgentKeywords
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if cfg.Agent == "" {
		cfg.Agent = strings.TrimSuffix(filepath.Base(path), fileExt)
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = make(map[string]domain.CapabilityKeywords)
	}
	return &cfg, nil
}

// backup copies path into the backup dir and prunes old copies. A missing
// path is not an error.
func (s *FileStore) backup(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup %s: %w", filepath.Base(path), err)
	}
	base := strings.TrimSuffix(filepath.Base(path), fileExt)
	name := fmt.Sprintf("%s.%s%s", base, s.now().UTC().Format(backupStamp), fileExt)
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0600); err != nil {
		return fmt.Errorf("backup %s: %w", filepath.Base(path), err)
	}

	files, err := s.backups(base)
	if err != nil {
		return err
	}
	for len(files) > s.maxBackups {
		if err := os.Remove(files[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune backup: %w", err)
		}
		files = files[1:]
	}
	return nil
}

func (s *FileStore) backups(base string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.backupDir, base+".*"+fileExt))
	if err != nil {
		return nil, err
	}
	// Timestamps sort lexically.
	sort.Strings(files)
	return files, nil
}

func (s *FileStore) path(agent string) string {
	return filepath.Join(s.dir, fileBase(agent)+fileExt)
}

// fileBase maps an agent name to a safe file name.
func fileBase(agent string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, agent)
}
