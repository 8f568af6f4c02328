package keywords

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agent-orchestrator/internal/domain"
)

// SQLiteStore implements domain.KeywordStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.KeywordStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open keywords db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate keywords db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_keywords (
			agent        TEXT PRIMARY KEY,
			capabilities TEXT NOT NULL DEFAULT '{}',
			threshold    REAL NOT NULL DEFAULT 0.3,
			enabled      INTEGER NOT NULL DEFAULT 1,
			updated_at   TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, agent string) (*domain.AgentKeywords, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT agent, capabilities, threshold, enabled, updated_at FROM agent_keywords WHERE agent = ?", agent,
	)
	k, err := scanKeywords(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("keywords for %q: %w", agent, domain.ErrNotFound)
	}
	return k, err
}

// Save inserts or replaces the configuration of cfg.Agent.
func (s *SQLiteStore) Save(ctx context.Context, cfg *domain.AgentKeywords) error {
	if err := validate(cfg); err != nil {
		return err
	}
	capsJSON, err := json.Marshal(cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	updated := cfg.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_keywords (agent, capabilities, threshold, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			capabilities = excluded.capabilities,
			threshold    = excluded.threshold,
			enabled      = excluded.enabled,
			updated_at   = excluded.updated_at`,
		cfg.Agent, string(capsJSON), cfg.Threshold, boolToInt(cfg.Enabled),
		updated.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, agent string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agent_keywords WHERE agent = ?", agent)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("keywords for %q: %w", agent, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*domain.AgentKeywords, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent, capabilities, threshold, enabled, updated_at FROM agent_keywords ORDER BY agent")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AgentKeywords
	for rows.Next() {
		k, err := scanKeywords(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKeywords(row scanner) (*domain.AgentKeywords, error) {
	var (
		k                   domain.AgentKeywords
		capsStr, updatedStr string
		enabled             int
	)
	if err := row.Scan(&k.Agent, &capsStr, &k.Threshold, &enabled, &updatedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsStr), &k.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities of %q: %w", k.Agent, err)
	}
	if k.Capabilities == nil {
		k.Capabilities = make(map[string]domain.CapabilityKeywords)
	}
	k.Enabled = enabled != 0
	k.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &k, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
