package credentials

import (
	"context"
	"strconv"
	"time"

	"github.com/jrsteele09/go-session-keeper/clock"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Persisted storage layout.
const (
	KeyAccessToken      = "auth.access_token"
	KeyRefreshToken     = "auth.refresh_token"
	KeyRefreshExpiresAt = "auth.refresh_expires_at"
	KeyPersistedAt      = "auth.persisted_at"
	KeySaveWork         = "auth.save_work_snapshot"
	KeyRefreshLease     = "auth.refresh_lease"
)

// Store persists the credential pair. It is the only component that touches
// durable storage. Reads fail closed: any storage error reads as "no
// credential".
type Store struct {
	kv     storage.KeyValue
	clock  clock.Clock
	logger zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the clock used to stamp writes.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a store over kv.
func NewStore(kv storage.KeyValue, options ...StoreOption) *Store {
	s := &Store{
		kv:     kv,
		clock:  clock.New(),
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "credentials").Logger()
	return s
}

// KeyValue exposes the substrate so cross-tab listeners can subscribe to it.
func (s *Store) KeyValue() storage.KeyValue {
	return s.kv
}

// Get returns the stored pair, or nil if there is none, it cannot be read,
// or the access token is missing.
func (s *Store) Get(ctx context.Context) *Pair {
	access, ok, err := s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		s.logger.Err(err).Msg("Reading access token failed, treating as signed out")
		return nil
	}
	if !ok || access == "" {
		return nil
	}

	pair := &Pair{AccessToken: access}
	if pair.RefreshToken, _, err = s.kv.Get(ctx, KeyRefreshToken); err != nil {
		s.logger.Err(err).Msg("Reading refresh token failed, treating as signed out")
		return nil
	}
	if raw, ok, err := s.kv.Get(ctx, KeyRefreshExpiresAt); err == nil && ok {
		pair.RefreshExpiresAt = parseUnix(raw)
	}
	if raw, ok, err := s.kv.Get(ctx, KeyPersistedAt); err == nil && ok {
		pair.PersistedAt = parseUnix(raw)
	}
	return pair
}

// Set replaces the stored pair. The access token is written last so a tab
// reacting to its change always reads a complete pair.
func (s *Store) Set(ctx context.Context, pair Pair) error {
	if !pair.Validate() {
		return errors.ErrInvalidCredentialPair
	}

	if pair.RefreshToken != "" {
		if err := s.kv.Set(ctx, KeyRefreshToken, pair.RefreshToken); err != nil {
			return errors.Wrapf(err, "[Store.Set] refresh token")
		}
	} else if err := s.kv.Delete(ctx, KeyRefreshToken); err != nil {
		return errors.Wrapf(err, "[Store.Set] refresh token")
	}

	if pair.RefreshExpiresAt.IsZero() {
		if err := s.kv.Delete(ctx, KeyRefreshExpiresAt); err != nil {
			return errors.Wrapf(err, "[Store.Set] refresh expiry")
		}
	} else if err := s.kv.Set(ctx, KeyRefreshExpiresAt, formatUnix(pair.RefreshExpiresAt)); err != nil {
		return errors.Wrapf(err, "[Store.Set] refresh expiry")
	}

	if err := s.touch(ctx); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyAccessToken, pair.AccessToken); err != nil {
		return errors.Wrapf(err, "[Store.Set] access token")
	}
	return nil
}

// Clear removes the pair. The access token goes first so other tabs see the
// logout before anything else. Clearing an empty store writes nothing.
func (s *Store) Clear(ctx context.Context) error {
	_, hasAccess, err := s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return errors.Wrapf(err, "[Store.Clear]")
	}
	_, hasRefresh, err := s.kv.Get(ctx, KeyRefreshToken)
	if err != nil {
		return errors.Wrapf(err, "[Store.Clear]")
	}
	if !hasAccess && !hasRefresh {
		return nil
	}

	if err := s.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyRefreshExpiresAt); err != nil {
		return errors.Wrapf(err, "[Store.Clear]")
	}
	return s.touch(ctx)
}

// SaveSnapshot stores the save-work blob written during graceful termination.
func (s *Store) SaveSnapshot(ctx context.Context, blob []byte) error {
	if err := s.kv.Set(ctx, KeySaveWork, string(blob)); err != nil {
		return errors.Wrapf(err, "[Store.SaveSnapshot]")
	}
	return nil
}

// TakeSnapshot returns and deletes the save-work blob, if any.
func (s *Store) TakeSnapshot(ctx context.Context) ([]byte, error) {
	raw, ok, err := s.kv.Get(ctx, KeySaveWork)
	if err != nil {
		return nil, errors.Wrapf(err, "[Store.TakeSnapshot]")
	}
	if !ok {
		return nil, nil
	}
	if err := s.kv.Delete(ctx, KeySaveWork); err != nil {
		return nil, errors.Wrapf(err, "[Store.TakeSnapshot]")
	}
	return []byte(raw), nil
}

func (s *Store) touch(ctx context.Context) error {
	if err := s.kv.Set(ctx, KeyPersistedAt, formatUnix(s.clock.Now())); err != nil {
		return errors.Wrapf(err, "[Store] timestamp")
	}
	return nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseUnix(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
