package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/llm"
)

// maxThreadTurns caps how much history is replayed into the model per thread.
const maxThreadTurns = 20

// ThreadStore keeps per-thread conversation history for the knowledge agent.
type ThreadStore interface {
	History(ctx context.Context, threadID string) ([]llm.Message, error)
	Append(ctx context.Context, threadID string, messages ...llm.Message) error
	Close() error
}

// MemoryThreadStore keeps conversation history in process memory.
type MemoryThreadStore struct {
	mu      sync.RWMutex
	threads map[string][]llm.Message
}

// NewMemoryThreadStore builds an empty in-memory thread store.
func NewMemoryThreadStore() *MemoryThreadStore {
	return &MemoryThreadStore{threads: make(map[string][]llm.Message)}
}

func (s *MemoryThreadStore) History(_ context.Context, threadID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.threads[threadID]
	out := make([]llm.Message, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemoryThreadStore) Append(_ context.Context, threadID string, messages ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.threads[threadID], messages...)
	if len(history) > maxThreadTurns {
		history = history[len(history)-maxThreadTurns:]
	}
	s.threads[threadID] = history
	return nil
}

func (s *MemoryThreadStore) Close() error { return nil }

// RedisThreadStore persists conversation history in Redis so threads survive
// daemon restarts. Each thread is one list of JSON-encoded messages.
type RedisThreadStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisThreadStore connects to Redis and verifies the connection.
func NewRedisThreadStore(ctx context.Context, addr, password string, db int) (*RedisThreadStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "connect to redis thread store")
	}
	return &RedisThreadStore{
		client: client,
		prefix: "whizy:thread:",
		ttl:    24 * time.Hour,
	}, nil
}

func (s *RedisThreadStore) key(threadID string) string {
	return s.prefix + threadID
}

func (s *RedisThreadStore) History(ctx context.Context, threadID string) ([]llm.Message, error) {
	raw, err := s.client.LRange(ctx, s.key(threadID), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load conversation history")
	}
	messages := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var msg llm.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisThreadStore) Append(ctx context.Context, threadID string, messages ...llm.Message) error {
	if len(messages) == 0 {
		return nil
	}
	key := s.key(threadID)
	encoded := make([]any, 0, len(messages))
	for _, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode conversation message")
		}
		encoded = append(encoded, payload)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, encoded...)
	pipe.LTrim(ctx, key, int64(-maxThreadTurns), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist conversation history")
	}
	return nil
}

func (s *RedisThreadStore) Close() error {
	return s.client.Close()
}
