package experiment

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odellh/burnish/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// ErrStoreUnavailable indicates the archive store is not configured.
var ErrStoreUnavailable = stderrors.New("experiment archive unavailable")

// ArchiveStore persists experiment configurations and final results in
// SQLite. Active-experiment bookkeeping stays in memory; the store is the
// durable record.
type ArchiveStore struct {
	db *sql.DB
}

// NewArchiveStore opens (and initializes) the archive database at path.
// Use ":memory:" for an ephemeral store.
func NewArchiveStore(path string) (*ArchiveStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, stderrors.New("archive path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create archive directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	// One writer at a time; WAL lets readers proceed alongside it. An
	// in-memory database exists per connection, so it must not be pooled.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(0)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}

	return &ArchiveStore{db: db}, nil
}

// NewArchiveStoreFromDB wraps an existing handle. Schema must already be
// applied.
func NewArchiveStoreFromDB(db *sql.DB) *ArchiveStore {
	if db == nil {
		return nil
	}
	return &ArchiveStore{db: db}
}

// Close closes the database connection.
func (s *ArchiveStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveExperiment records a newly created experiment.
func (s *ArchiveStore) SaveExperiment(cfg Configuration) error {
	if s == nil || s.db == nil {
		return ErrStoreUnavailable
	}
	if cfg.ID == "" {
		return stderrors.New("experiment id is required")
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal experiment config: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO experiments (id, name, description, agent_id, config_json, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			agent_id = excluded.agent_id,
			config_json = excluded.config_json
	`,
		cfg.ID,
		cfg.Name,
		nullIfEmpty(cfg.Description),
		nullIfEmpty(cfg.AgentID),
		string(configJSON),
		string(StateActive),
		cfg.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "save experiment")
	}
	return nil
}

// ArchiveResults freezes an experiment's final results.
func (s *ArchiveStore) ArchiveResults(res Results, terminal string) error {
	if s == nil || s.db == nil {
		return ErrStoreUnavailable
	}
	if res.ExperimentID == "" {
		return stderrors.New("experiment id is required")
	}

	insightsJSON, err := json.Marshal(res.Insights)
	if err != nil {
		return fmt.Errorf("marshal insights: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.Exec(`
		UPDATE experiments
		SET state = ?, archived_at = ?, stop_reason = ?, significance = ?,
		    winning_variant = ?, recommended_action = ?, insights_json = ?
		WHERE id = ?
	`,
		terminal,
		res.AnalyzedAt,
		nullIfEmpty(res.StopReason),
		res.Significance,
		nullIfEmpty(res.WinningVariant),
		string(res.Action),
		string(insightsJSON),
		res.ExperimentID,
	)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO experiment_variant_results (
			experiment_id, variant_id, name, sample_count, avg_quality,
			engagement_rate, completion_rate, avg_response_time_ms,
			error_rate, avg_satisfaction
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range res.Variants {
		if _, err = stmt.Exec(
			res.ExperimentID,
			m.VariantID,
			nullIfEmpty(m.Name),
			m.SampleCount,
			m.AvgQuality,
			m.EngagementRate,
			m.CompletionRate,
			m.AvgResponseTimeMs,
			m.ErrorRate,
			m.AvgSatisfaction,
		); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "archive experiment results")
	}
	return nil
}

// GetResults loads archived results for one experiment. Returns nil when
// the experiment is unknown or not yet archived.
func (s *ArchiveStore) GetResults(experimentID string) (*Results, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}
	if strings.TrimSpace(experimentID) == "" {
		return nil, stderrors.New("experiment id is required")
	}

	row := s.db.QueryRow(`
		SELECT id, name, state, archived_at, stop_reason, significance,
		       winning_variant, recommended_action, insights_json
		FROM experiments
		WHERE id = ? AND archived_at IS NOT NULL
	`, experimentID)

	res, err := scanResults(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load archived results")
	}

	variants, err := s.listVariantResults(experimentID)
	if err != nil {
		return nil, err
	}
	res.Variants = variants
	return res, nil
}

// ListArchived returns recently archived experiments, newest first.
func (s *ArchiveStore) ListArchived(limit int) ([]Results, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}

	query := `
		SELECT id, name, state, archived_at, stop_reason, significance,
		       winning_variant, recommended_action, insights_json
		FROM experiments
		WHERE archived_at IS NOT NULL
		ORDER BY archived_at DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "list archived experiments")
	}
	defer rows.Close()

	var out []Results
	for rows.Next() {
		res, err := scanResults(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		variants, err := s.listVariantResults(out[i].ExperimentID)
		if err != nil {
			return nil, err
		}
		out[i].Variants = variants
	}
	return out, nil
}

func (s *ArchiveStore) listVariantResults(experimentID string) (map[string]VariantMetrics, error) {
	rows, err := s.db.Query(`
		SELECT variant_id, name, sample_count, avg_quality, engagement_rate,
		       completion_rate, avg_response_time_ms, error_rate, avg_satisfaction
		FROM experiment_variant_results
		WHERE experiment_id = ?
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]VariantMetrics)
	for rows.Next() {
		var m VariantMetrics
		var name sql.NullString
		if err := rows.Scan(
			&m.VariantID,
			&name,
			&m.SampleCount,
			&m.AvgQuality,
			&m.EngagementRate,
			&m.CompletionRate,
			&m.AvgResponseTimeMs,
			&m.ErrorRate,
			&m.AvgSatisfaction,
		); err != nil {
			return nil, err
		}
		m.Name = name.String
		out[m.VariantID] = m
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResults(row rowScanner) (*Results, error) {
	var res Results
	var archivedAt sql.NullTime
	var stopReason sql.NullString
	var significance sql.NullFloat64
	var winner sql.NullString
	var action sql.NullString
	var insights sql.NullString

	if err := row.Scan(
		&res.ExperimentID,
		&res.Name,
		&res.State,
		&archivedAt,
		&stopReason,
		&significance,
		&winner,
		&action,
		&insights,
	); err != nil {
		return nil, err
	}

	if archivedAt.Valid {
		res.AnalyzedAt = archivedAt.Time
	}
	res.StopReason = stopReason.String
	res.Significance = significance.Float64
	res.WinningVariant = winner.String
	res.Action = Action(action.String)
	if insights.Valid && insights.String != "" {
		if err := json.Unmarshal([]byte(insights.String), &res.Insights); err != nil {
			return nil, fmt.Errorf("decode insights: %w", err)
		}
	}
	return &res, nil
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// LoadConfiguration restores a stored experiment configuration, archived or
// not. Returns nil when unknown.
func (s *ArchiveStore) LoadConfiguration(experimentID string) (*Configuration, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}

	var configJSON string
	var createdAt time.Time
	err := s.db.QueryRow(`
		SELECT config_json, created_at FROM experiments WHERE id = ?
	`, experimentID).Scan(&configJSON, &createdAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var cfg Configuration
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decode experiment config: %w", err)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = createdAt
	}
	return &cfg, nil
}
