// Package postgres implements the store ports on PostgreSQL with PostGIS for route geometry.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

// schemaSQL is applied by EnsureSchema. Every statement is idempotent.
//
//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

var _ core.Store = (*Store)(nil)

// Config holds the connection settings.
type Config struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Store is the durable persistence layer of the hub.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a connection pool and fails fast if the database is unreachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, logger: log.WithName("postgres")}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Units() core.UnitStore                 { return s }
func (s *Store) Credentials() core.CredentialStore     { return s }
func (s *Store) Samples() core.SampleStore             { return s }
func (s *Store) Events() core.EventStore               { return s }
func (s *Store) Routes() core.RouteStore               { return s }
func (s *Store) RuntimeStates() core.RuntimeStateStore { return s }
func (s *Store) Evaluations() core.EvaluationStore     { return s }

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ping is used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return mapError(s.pool.Ping(ctx))
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// mapError folds driver errors into the core taxonomy.
func mapError(err error) error {
	if err == nil || core.IsClassified(err) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", core.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", core.ErrConflict, pgErr.ConstraintName)
	}
	return core.Transient(err)
}

// UpsertUnit inserts or updates a unit. Units normally come from the system of record; this serves provisioning and tests.
func (s *Store) UpsertUnit(ctx context.Context, u model.Unit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO units (id, plate, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET plate = EXCLUDED.plate, active = EXCLUDED.active
	`, u.ID, u.Plate, u.Active)
	return mapError(err)
}

func (s *Store) GetUnit(ctx context.Context, id string) (*model.Unit, error) {
	var u model.Unit
	err := s.pool.QueryRow(ctx, `SELECT id, plate, active FROM units WHERE id = $1`, id).
		Scan(&u.ID, &u.Plate, &u.Active)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

const credentialColumns = `id, unit_id, device_id, digest, created_at, expires_at, last_used_at, revoked`

func scanCredential(row pgx.Row) (*model.Credential, error) {
	var c model.Credential
	if err := row.Scan(&c.ID, &c.UnitID, &c.DeviceID, &c.Digest, &c.CreatedAt, &c.ExpiresAt, &c.LastUsedAt, &c.Revoked); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO credentials (unit_id, device_id, digest, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, c.UnitID, c.DeviceID, c.Digest, c.CreatedAt, c.ExpiresAt, c.Revoked).Scan(&c.ID)
	return mapError(err)
}

func (s *Store) FindCredentialByDigest(ctx context.Context, digest []byte) (*model.Credential, error) {
	return scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE digest = $1`, digest))
}

func (s *Store) LatestCredential(ctx context.Context, unitID, deviceID string) (*model.Credential, error) {
	return scanCredential(s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE unit_id = $1 AND device_id = $2 AND NOT revoked
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, unitID, deviceID))
}

func (s *Store) RevokeCredentialByDigest(ctx context.Context, digest []byte) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE credentials SET revoked = TRUE WHERE digest = $1 AND NOT revoked`, digest)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RevokeCredentials(ctx context.Context, unitID, deviceID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials SET revoked = TRUE
		WHERE unit_id = $1 AND device_id = $2 AND NOT revoked
	`, unitID, deviceID)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}

// TouchCredentials sends all updates in one batch. Last-used times only move forward.
func (s *Store) TouchCredentials(ctx context.Context, lastUsed map[int64]time.Time) error {
	if len(lastUsed) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for id, at := range lastUsed {
		batch.Queue(`
			UPDATE credentials SET last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
			WHERE id = $1
		`, id, at)
	}
	return mapError(s.pool.SendBatch(ctx, batch).Close())
}

func (s *Store) DeleteCredentials(ctx context.Context, now, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM credentials
		WHERE (revoked OR (expires_at IS NOT NULL AND expires_at <= $1))
		  AND created_at < $2
	`, now, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) AppendSample(ctx context.Context, sample *model.Sample) (int64, error) {
	return appendSample(ctx, s.pool, sample)
}

func appendSample(ctx context.Context, q querier, sample *model.Sample) (int64, error) {
	err := q.QueryRow(ctx, `
		INSERT INTO samples (unit_id, ts, lat, lon, speed, heading, seq, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, sample.UnitID, sample.Timestamp, sample.Lat, sample.Lon, sample.Speed, sample.Heading, sample.Seq, sample.Raw).
		Scan(&sample.ID)
	if err != nil {
		return 0, mapError(err)
	}
	return sample.ID, nil
}

func (s *Store) ListSamples(ctx context.Context, unitID string, limit int) ([]*model.Sample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, unit_id, ts, lat, lon, speed, heading, seq
		FROM samples WHERE unit_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, unitID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]*model.Sample, 0, limit)
	for rows.Next() {
		var smp model.Sample
		if err := rows.Scan(&smp.ID, &smp.UnitID, &smp.Timestamp, &smp.Lat, &smp.Lon, &smp.Speed, &smp.Heading, &smp.Seq); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &smp)
	}
	return out, mapError(rows.Err())
}

func (s *Store) AppendEvent(ctx context.Context, e *model.AnomalyEvent) (int64, error) {
	return appendEvent(ctx, s.pool, e)
}

func appendEvent(ctx context.Context, q querier, e *model.AnomalyEvent) (int64, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("encode event metadata: %w", err)
	}

	err = q.QueryRow(ctx, `
		INSERT INTO anomaly_events (unit_id, kind, detail, ts, sample_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.UnitID, string(e.Kind), e.Detail, e.Timestamp, e.SampleID, raw, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return 0, mapError(err)
	}
	return e.ID, nil
}

const eventColumns = `id, unit_id, kind, detail, ts, sample_id, metadata, created_at`

func scanEvent(row pgx.Row) (*model.AnomalyEvent, error) {
	var (
		e    model.AnomalyEvent
		kind string
		raw  []byte
	)
	if err := row.Scan(&e.ID, &e.UnitID, &kind, &e.Detail, &e.Timestamp, &e.SampleID, &raw, &e.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	e.Kind = model.EventKind(kind)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %d: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*model.AnomalyEvent, error) {
	return scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM anomaly_events WHERE id = $1`, id))
}

func (s *Store) ListEvents(ctx context.Context, unitID string, limit int) ([]*model.AnomalyEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM anomaly_events
		WHERE unit_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, unitID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]*model.AnomalyEvent, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, mapError(rows.Err())
}
