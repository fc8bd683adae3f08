// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlosdotorg/atlos/internal/archive"
)

const defaultTable = "artifact_fingerprints"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for fingerprint rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Match is a previously recorded artifact sharing a fingerprint.
type Match struct {
	RunID      string
	SourceURL  string
	Kind       archive.Kind
	File       string
	SHA256     string
	RecordedAt time.Time
}

// FingerprintStore records artifact fingerprints so duplicates can be found
// across runs.
type FingerprintStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewFingerprintStore connects to Postgres using cfg.
func NewFingerprintStore(ctx context.Context, cfg Config) (*FingerprintStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &FingerprintStore{pool: p, table: table, now: time.Now}, nil
}

// NewFingerprintStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFingerprintStoreWithPool(p pool, table string, now func() time.Time) (*FingerprintStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &FingerprintStore{pool: p, table: table, now: now}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *FingerprintStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the fingerprint table and its lookup index.
func (s *FingerprintStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id            TEXT        NOT NULL,
	source_url        TEXT        NOT NULL DEFAULT '',
	kind              TEXT        NOT NULL,
	file              TEXT        NOT NULL,
	sha256            CHAR(64)    NOT NULL,
	perceptual_hashes JSONB       NOT NULL DEFAULT '[]',
	recorded_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, file)
);
CREATE INDEX IF NOT EXISTS %[1]s_sha256_idx ON %[1]s (sha256)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure fingerprint schema: %w", err)
	}
	return nil
}

// RecordArtifacts inserts one row per artifact inside a single transaction.
func (s *FingerprintStore) RecordArtifacts(
	ctx context.Context,
	runID string,
	sourceURL string,
	artifacts []archive.Artifact,
) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("fingerprint store is not configured")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(artifacts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fingerprint tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (run_id, source_url, kind, file, sha256, perceptual_hashes, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id, file) DO NOTHING`, s.table)

	recordedAt := s.now().UTC()
	for _, a := range artifacts {
		hashes := a.PerceptualHashes
		if hashes == nil {
			hashes = []archive.PerceptualHash{}
		}
		hashesJSON, marshalErr := json.Marshal(hashes)
		if marshalErr != nil {
			return fmt.Errorf("marshal perceptual hashes: %w", marshalErr)
		}
		if _, err = tx.Exec(ctx, query,
			runID, sourceURL, string(a.Kind), a.File, a.SHA256, hashesJSON, recordedAt,
		); err != nil {
			return fmt.Errorf("insert fingerprint %s: %w", a.File, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fingerprint tx: %w", err)
	}
	return nil
}

// FindBySHA256 lists earlier artifacts with exactly this content hash.
func (s *FingerprintStore) FindBySHA256(ctx context.Context, sha string) ([]Match, error) {
	query := fmt.Sprintf(`
SELECT run_id, source_url, kind, file, sha256, recorded_at
FROM %s WHERE sha256 = $1 ORDER BY recorded_at`, s.table)
	return s.query(ctx, query, sha)
}

// FindByPerceptualHash lists earlier artifacts carrying an identical
// perceptual hash value for algorithm.
func (s *FingerprintStore) FindByPerceptualHash(
	ctx context.Context,
	algorithm archive.HashAlgorithm,
	value string,
) ([]Match, error) {
	needle, err := json.Marshal([]archive.PerceptualHash{{Algorithm: algorithm, Value: value}})
	if err != nil {
		return nil, fmt.Errorf("marshal perceptual needle: %w", err)
	}
	query := fmt.Sprintf(`
SELECT run_id, source_url, kind, file, sha256, recorded_at
FROM %s WHERE perceptual_hashes @> $1::jsonb ORDER BY recorded_at`, s.table)
	return s.query(ctx, query, needle)
}

func (s *FingerprintStore) query(ctx context.Context, query string, args ...any) ([]Match, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			kind string
		)
		if err := rows.Scan(&m.RunID, &m.SourceURL, &kind, &m.File, &m.SHA256, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		m.Kind = archive.Kind(kind)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return matches, nil
}

var _ archive.FingerprintIndex = (*FingerprintStore)(nil)
