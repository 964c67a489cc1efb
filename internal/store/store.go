// Package store is the Redis-backed state layer: job records, per-clip
// unlock flags, per-wallet spend counters, and the TTL'd markers that
// make auth and unlock idempotent. All cross-component state lives here.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/jobs"
)

// Key namespaces. Job records, clip unlocks and spend counters are
// retained indefinitely; everything else expires.
const (
	jobKeyPrefix     = "kk:job:"
	unlockKeyPrefix  = "kk:unlock:"
	spendKeyPrefix   = "kk:spend:"
	idemKeyPrefix    = "kk:idem:"
	pendingKeyPrefix = "kk:pending:"
	nonceKeyPrefix   = "kk:nonce:"
	tokenKeyPrefix   = "kk:token:"
	topupKeyPrefix   = "kk:topup:"
)

const (
	// IdempotencyTTL bounds how long an unlock request id stays replayable.
	IdempotencyTTL = 300 * time.Second
	// PendingUnlockTTL bounds crash recovery of a submitted consume.
	PendingUnlockTTL = 24 * time.Hour
	// NonceTTL bounds the auth challenge window.
	NonceTTL = 300 * time.Second
	// AuthTokenTTL is the bearer token lifetime.
	AuthTokenTTL = 24 * time.Hour
	// TopupSignatureTTL bounds the double-confirm guard for a topup receipt.
	TopupSignatureTTL = 7 * 24 * time.Hour
)

// Store wraps a single Redis client. It is safe for concurrent use.
type Store struct {
	rdb           *redis.Client
	consumeScript *redis.Script
}

// New connects using a REDIS_URL style address and verifies the
// connection with a ping before returning.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return NewWithClient(rdb), nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		consumeScript: redis.NewScript(tryConsumeCreditScript),
	}
}

// Close shuts down the underlying redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func upstream(op string, err error) error {
	return apperr.Wrap(apperr.Upstream, "store unavailable", fmt.Errorf("%s: %w", op, err))
}

// ---------------------------------------------------------------------------
// Job records
// ---------------------------------------------------------------------------

// PutJob persists a job record. Records are never expired.
func (s *Store) PutJob(ctx context.Context, rec *jobs.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("encode job %s: %w", rec.ID, err))
	}
	if err := s.rdb.Set(ctx, jobKeyPrefix+rec.ID, raw, 0).Err(); err != nil {
		return upstream("put job", err)
	}
	return nil
}

// GetJob loads a job record, distinguishing "unknown job" from store
// failure. Corrupt payloads surface as Internal, not silent defaults.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Record, error) {
	raw, err := s.rdb.Get(ctx, jobKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, apperr.New(apperr.NotFound, "job not found")
	}
	if err != nil {
		return nil, upstream("get job", err)
	}
	var rec jobs.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("decode job %s: %w", id, err))
	}
	return &rec, nil
}

// UpdateJob applies mutate to the current record and writes it back,
// refreshing updated_at. Concurrent updates are last-writer-wins;
// callers rely on the forward-only transition rules to keep merges
// convergent.
func (s *Store) UpdateJob(ctx context.Context, id string, mutate func(*jobs.Record) error) (*jobs.Record, error) {
	rec, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.PutJob(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
