package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/metrics"
)

// Manager persists sessions in Redis with a local write-through cache.
// The live *State for a running session stays in the cache so the turn
// loop and the HTTP edges share one instance; Redis holds the durable
// document for rehydration after restart.
type Manager struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]*State
}

// NewManager connects to Redis and verifies the connection.
func NewManager(redisAddr, redisPassword string, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Manager{
		client: client,
		logger: logger,
		ttl:    7 * 24 * time.Hour,
		cache:  make(map[string]*State),
	}, nil
}

// Create registers a new session and persists its empty document.
func (m *Manager) Create(ctx context.Context, parentID string) (*State, error) {
	state := New(parentID)
	if err := m.Save(ctx, state); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[state.ID] = state
	metrics.SessionCacheSize.Set(float64(len(m.cache)))
	m.mu.Unlock()

	m.logger.Info("Created new session",
		zap.String("session_id", state.ID),
		zap.String("parent_id", parentID),
	)
	metrics.SessionsCreated.Inc()
	return state, nil
}

// Get returns the live state for a session, rehydrating from Redis when
// it is not cached.
func (m *Manager) Get(ctx context.Context, sessionID string) (*State, error) {
	m.mu.RLock()
	if state, ok := m.cache[sessionID]; ok {
		m.mu.RUnlock()
		return state, nil
	}
	m.mu.RUnlock()

	data, err := m.client.Get(ctx, m.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	state, err := FromDocument(&doc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[sessionID] = state
	metrics.SessionCacheSize.Set(float64(len(m.cache)))
	m.mu.Unlock()
	return state, nil
}

// Save persists the session document.
func (m *Manager) Save(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("session state is nil")
	}
	data, err := json.Marshal(state.Export())
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.client.Set(ctx, m.key(state.ID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes a session from Redis and the cache.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.mu.Lock()
	delete(m.cache, sessionID)
	metrics.SessionCacheSize.Set(float64(len(m.cache)))
	m.mu.Unlock()

	m.logger.Info("Deleted session", zap.String("session_id", sessionID))
	return nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) key(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}
