package storepg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/relay/pkg/memory"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

var _ memory.ConversationStore = (*Store)(nil)

// Store is a PostgreSQL-backed ConversationStore. It holds a single
// pgxpool.Pool and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection (the relay's own schema has
// no vector columns, but pgxvec.RegisterTypes is harmless to run and keeps
// connection setup uniform with any future embedding-backed addition), runs
// Migrate, and returns a ready Store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storepg: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storepg: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storepg: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storepg: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get implements memory.ConversationStore.
func (s *Store) Get(ctx context.Context, id string) (*relaytypes.ConversationAggregate, error) {
	const q = `
		SELECT id, uid, language, created_at, started_at, finished_at,
		       transcript_segments, status, discarded, geolocation_address
		FROM   conversations
		WHERE  id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	agg, err := scanAggregate(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storepg: get: %w", err)
	}
	return agg, nil
}

// GetInProgress implements memory.ConversationStore.
func (s *Store) GetInProgress(ctx context.Context, uid string) (*relaytypes.ConversationAggregate, error) {
	const q = `
		SELECT id, uid, language, created_at, started_at, finished_at,
		       transcript_segments, status, discarded, geolocation_address
		FROM   conversations
		WHERE  uid = $1 AND status = $2
		LIMIT  1`

	row := s.pool.QueryRow(ctx, q, uid, relaytypes.StatusInProgress)
	agg, err := scanAggregate(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storepg: get in progress: %w", err)
	}
	return agg, nil
}

// GetProcessing implements memory.ConversationStore.
func (s *Store) GetProcessing(ctx context.Context, uid string) ([]*relaytypes.ConversationAggregate, error) {
	const q = `
		SELECT id, uid, language, created_at, started_at, finished_at,
		       transcript_segments, status, discarded, geolocation_address
		FROM   conversations
		WHERE  uid = $1 AND status = $2
		ORDER  BY finished_at`

	rows, err := s.pool.Query(ctx, q, uid, relaytypes.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("storepg: get processing: %w", err)
	}
	return collectAggregates(rows)
}

// GetLastCompleted implements memory.ConversationStore.
func (s *Store) GetLastCompleted(ctx context.Context, uid string) (*relaytypes.ConversationAggregate, error) {
	const q = `
		SELECT id, uid, language, created_at, started_at, finished_at,
		       transcript_segments, status, discarded, geolocation_address
		FROM   conversations
		WHERE  uid = $1 AND status = $2
		ORDER  BY finished_at DESC
		LIMIT  1`

	row := s.pool.QueryRow(ctx, q, uid, relaytypes.StatusCompleted)
	agg, err := scanAggregate(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storepg: get last completed: %w", err)
	}
	return agg, nil
}

// Upsert implements memory.ConversationStore.
func (s *Store) Upsert(ctx context.Context, agg *relaytypes.ConversationAggregate) error {
	segments, err := json.Marshal(agg.TranscriptSegments)
	if err != nil {
		return fmt.Errorf("storepg: marshal segments: %w", err)
	}

	const q = `
		INSERT INTO conversations
		    (id, uid, language, created_at, started_at, finished_at,
		     transcript_segments, status, discarded, geolocation_address)
		VALUES
		    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    uid                 = EXCLUDED.uid,
		    language            = EXCLUDED.language,
		    started_at          = EXCLUDED.started_at,
		    finished_at         = EXCLUDED.finished_at,
		    transcript_segments = EXCLUDED.transcript_segments,
		    status              = EXCLUDED.status,
		    discarded           = EXCLUDED.discarded,
		    geolocation_address = EXCLUDED.geolocation_address`

	createdAt := agg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.pool.Exec(ctx, q,
		agg.ID,
		agg.UID,
		agg.Language,
		createdAt,
		agg.StartedAt,
		agg.FinishedAt,
		segments,
		agg.Status,
		agg.Discarded,
		agg.GeolocationAddress,
	)
	if err != nil {
		return fmt.Errorf("storepg: upsert: %w", err)
	}
	return nil
}

// UpdateStatus implements memory.ConversationStore.
func (s *Store) UpdateStatus(ctx context.Context, id string, status relaytypes.ConversationStatus) error {
	const q = `UPDATE conversations SET status = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("storepg: update status: %w", err)
	}
	return nil
}

// UpdateSegments implements memory.ConversationStore.
func (s *Store) UpdateSegments(ctx context.Context, id string, segments []relaytypes.TranscriptSegment, finishedAt time.Time) error {
	data, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("storepg: marshal segments: %w", err)
	}

	const q = `UPDATE conversations SET transcript_segments = $2, finished_at = $3 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, data, finishedAt); err != nil {
		return fmt.Errorf("storepg: update segments: %w", err)
	}
	return nil
}

// MarkDiscarded implements memory.ConversationStore.
func (s *Store) MarkDiscarded(ctx context.Context, id string) error {
	const q = `UPDATE conversations SET status = $2, discarded = true WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, relaytypes.StatusDiscarded); err != nil {
		return fmt.Errorf("storepg: mark discarded: %w", err)
	}
	return nil
}

// rowScanner abstracts over pgx.Row and pgx.CollectableRow so scanAggregate
// can serve both a single QueryRow and pgx.CollectRows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row rowScanner) (*relaytypes.ConversationAggregate, error) {
	var (
		agg      relaytypes.ConversationAggregate
		segments []byte
	)
	if err := row.Scan(
		&agg.ID,
		&agg.UID,
		&agg.Language,
		&agg.CreatedAt,
		&agg.StartedAt,
		&agg.FinishedAt,
		&segments,
		&agg.Status,
		&agg.Discarded,
		&agg.GeolocationAddress,
	); err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		if err := json.Unmarshal(segments, &agg.TranscriptSegments); err != nil {
			return nil, fmt.Errorf("unmarshal segments: %w", err)
		}
	}
	return &agg, nil
}

func collectAggregates(rows pgx.Rows) ([]*relaytypes.ConversationAggregate, error) {
	aggs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*relaytypes.ConversationAggregate, error) {
		return scanAggregate(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storepg: scan rows: %w", err)
	}
	if aggs == nil {
		aggs = []*relaytypes.ConversationAggregate{}
	}
	return aggs, nil
}
