package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ storage.KeyValue = (*Store)(nil)

// Store shares one storage origin between processes through Redis. Values
// live under "<namespace>:<key>"; every mutation is published on
// "<namespace>:changes" so the other participants can react.
type Store struct {
	rdb       *redis.Client
	namespace string
	tabID     string
	pubsub    *redis.PubSub
	logger    zerolog.Logger

	mu        sync.RWMutex
	listeners map[int]func(storage.Change)
	nextID    int
	done      chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTabID fixes the participant id instead of generating one.
func WithTabID(id string) Option {
	return func(s *Store) {
		s.tabID = id
	}
}

// New subscribes to the namespace's change channel and returns once the
// subscription is confirmed, so no change published afterwards is missed.
func New(ctx context.Context, rdb *redis.Client, namespace string, options ...Option) (*Store, error) {
	s := &Store{
		rdb:       rdb,
		namespace: namespace,
		tabID:     uuid.NewString(),
		logger:    log.Logger,
		listeners: make(map[int]func(storage.Change)),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.pubsub = rdb.Subscribe(ctx, s.channel())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("[redisstore.New] subscribe %s: %w: %v", s.channel(), errors.ErrStorageUnavailable, err)
	}
	go s.listen()
	return s, nil
}

// TabID returns the id stamped on this participant's changes.
func (s *Store) TabID() string {
	return s.tabID
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("Get", err)
	}
	return v, true, nil
}

// Set stores value and publishes the change to the other tabs.
func (s *Store) Set(ctx context.Context, key, value string) error {
	old, err := s.rdb.GetSet(ctx, s.key(key), value).Result()
	existed := true
	if err == redis.Nil {
		existed = false
	} else if err != nil {
		return unavailable("Set", err)
	}
	if existed && old == value {
		return nil
	}
	return s.publish(ctx, storage.Change{Key: key, OldValue: old, NewValue: value, Source: s.tabID})
}

// SetIfAbsent stores value with SETNX and publishes the change if it was stored.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	stored, err := s.rdb.SetNX(ctx, s.key(key), value, 0).Result()
	if err != nil {
		return false, unavailable("SetIfAbsent", err)
	}
	if !stored {
		return false, nil
	}
	return true, s.publish(ctx, storage.Change{Key: key, NewValue: value, Source: s.tabID})
}

// Delete reads and removes each key in one GETDEL so the published old value
// is the one actually removed.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		old, err := s.rdb.GetDel(ctx, s.key(key)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return unavailable("Delete", err)
		}
		if err := s.publish(ctx, storage.Change{Key: key, OldValue: old, Removed: true, Source: s.tabID}); err != nil {
			return err
		}
	}
	return nil
}

// OnExternalChange registers fn for changes published by other tabs.
func (s *Store) OnExternalChange(fn func(storage.Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close stops listening for changes. The Redis client is left open.
func (s *Store) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

func (s *Store) listen() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		var change storage.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			s.logger.Err(err).Str("channel", msg.Channel).Msg("Ignoring malformed storage change")
			continue
		}
		if change.Source == s.tabID {
			continue
		}
		s.mu.RLock()
		listeners := make([]func(storage.Change), 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
		s.mu.RUnlock()
		for _, fn := range listeners {
			fn(change)
		}
	}
}

func (s *Store) publish(ctx context.Context, change storage.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("[redisstore.publish] marshal change: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel(), payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (s *Store) key(key string) string {
	return s.namespace + ":" + key
}

func (s *Store) channel() string {
	return s.namespace + ":changes"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("[redisstore.%s] %w: %v", op, errors.ErrStorageUnavailable, err)
}
