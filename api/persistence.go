package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nexuspro/canvas/internal/slogging"
)

// SessionSnapshot is the durable representation of a session's canvas and
// participant state, mirrored write-behind to the document store.
type SessionSnapshot struct {
	ID           string           `json:"id"`
	Participants []*Participant   `json:"participants"`
	Canvas       []*CanvasElement `json:"canvas"`
	AIAgents     []string         `json:"ai_agents"`
	CreatedAt    time.Time        `json:"created_at"`
	SavedAt      time.Time        `json:"saved_at"`
}

// DocumentStore mirrors session state for durability. Mirroring is
// best-effort: failures are logged and must never block or fail the
// broadcast path. LoadSnapshot returns ErrNotFound when no snapshot exists.
type DocumentStore interface {
	SaveSnapshot(ctx context.Context, snap *SessionSnapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (*SessionSnapshot, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
}

// RedisDocumentStore persists session snapshots as JSON values with a TTL
type RedisDocumentStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDocumentStore creates a Redis-backed document store. A zero ttl
// keeps snapshots until explicitly deleted.
func NewRedisDocumentStore(client *redis.Client, ttl time.Duration) *RedisDocumentStore {
	return &RedisDocumentStore{client: client, ttl: ttl}
}

func redisSnapshotKey(sessionID string) string {
	return "canvas:session:" + sessionID
}

// SaveSnapshot writes the snapshot JSON under the session key
func (s *RedisDocumentStore) SaveSnapshot(ctx context.Context, snap *SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	if err := s.client.Set(ctx, redisSnapshotKey(snap.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis snapshot write failed: %v", ErrUpstream, err)
	}
	return nil
}

// LoadSnapshot reads and decodes the snapshot for a session id
func (s *RedisDocumentStore) LoadSnapshot(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	data, err := s.client.Get(ctx, redisSnapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no snapshot for session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis snapshot read failed: %v", ErrUpstream, err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the snapshot for a session id
func (s *RedisDocumentStore) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, redisSnapshotKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: redis snapshot delete failed: %v", ErrUpstream, err)
	}
	return nil
}

// PostgresDocumentStore persists session snapshots as jsonb rows
type PostgresDocumentStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDocumentStore creates a Postgres-backed document store
func NewPostgresDocumentStore(pool *pgxpool.Pool) *PostgresDocumentStore {
	return &PostgresDocumentStore{pool: pool}
}

// EnsureSchema creates the snapshot table if it does not exist
func (s *PostgresDocumentStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS canvas_sessions (
			id         TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure canvas_sessions schema: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the snapshot row for the session
func (s *PostgresDocumentStore) SaveSnapshot(ctx context.Context, snap *SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO canvas_sessions (id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		snap.ID, data)
	if err != nil {
		return fmt.Errorf("%w: postgres snapshot write failed: %v", ErrUpstream, err)
	}
	return nil
}

// LoadSnapshot reads the snapshot row for a session id
func (s *PostgresDocumentStore) LoadSnapshot(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM canvas_sessions WHERE id = $1`, sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshot for session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: postgres snapshot read failed: %v", ErrUpstream, err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the snapshot row for a session id
func (s *PostgresDocumentStore) DeleteSnapshot(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM canvas_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: postgres snapshot delete failed: %v", ErrUpstream, err)
	}
	return nil
}

// persistWorker drains a coalescing signal channel and mirrors the latest
// session snapshot to the document store. One worker runs per session actor;
// it never feeds errors back into the mutation path.
type persistWorker struct {
	store     DocumentStore
	sessionID string
	// signal carries the latest snapshot; capacity 1 so writes coalesce
	signal chan *SessionSnapshot
	done   chan struct{}
}

func newPersistWorker(store DocumentStore, sessionID string) *persistWorker {
	w := &persistWorker{
		store:     store,
		sessionID: sessionID,
		signal:    make(chan *SessionSnapshot, 1),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue hands the worker a fresh snapshot without blocking. If a save is
// already pending the stale snapshot is replaced.
func (w *persistWorker) enqueue(snap *SessionSnapshot) {
	for {
		select {
		case w.signal <- snap:
			return
		default:
			// Drop the stale pending snapshot and retry with the fresh one
			select {
			case <-w.signal:
			default:
			}
		}
	}
}

func (w *persistWorker) run() {
	logger := slogging.Get()
	for {
		select {
		case snap := <-w.signal:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.store.SaveSnapshot(ctx, snap); err != nil {
				logger.Warn("write-behind persistence failed for session %s: %v", w.sessionID, err)
			}
			cancel()
		case <-w.done:
			return
		}
	}
}

func (w *persistWorker) stop() {
	close(w.done)
}
