package credentials

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-keeper/internal/errors"
)

// Lease marks the tab currently calling the refresh endpoint. Other tabs wait
// for its result instead of presenting the same refresh token.
type Lease struct {
	Owner string
	Until time.Time
}

// String encodes the lease as stored: owner and expiry in unix milliseconds.
func (l Lease) String() string {
	return l.Owner + "|" + formatUnix(l.Until)
}

func parseLease(raw string) (Lease, bool) {
	owner, until, ok := strings.Cut(raw, "|")
	if !ok || owner == "" {
		return Lease{}, false
	}
	ms, err := strconv.ParseInt(until, 10, 64)
	if err != nil {
		return Lease{}, false
	}
	return Lease{Owner: owner, Until: time.UnixMilli(ms).UTC()}, true
}

// AcquireRefreshLease claims the refresh endpoint for owner until now+ttl.
// Claiming an owned lease extends it and an expired or unreadable lease is
// taken over. When another tab holds a live lease, that lease is returned
// with false.
func (s *Store) AcquireRefreshLease(ctx context.Context, owner string, ttl time.Duration) (Lease, bool, error) {
	mine := Lease{Owner: owner, Until: s.clock.Now().Add(ttl)}
	for attempt := 0; attempt < 2; attempt++ {
		stored, err := s.kv.SetIfAbsent(ctx, KeyRefreshLease, mine.String())
		if err != nil {
			return Lease{}, false, errors.Wrapf(err, "[Store.AcquireRefreshLease]")
		}
		if stored {
			return mine, true, nil
		}

		raw, ok, err := s.kv.Get(ctx, KeyRefreshLease)
		if err != nil {
			return Lease{}, false, errors.Wrapf(err, "[Store.AcquireRefreshLease]")
		}
		if !ok {
			continue
		}
		current, valid := parseLease(raw)
		switch {
		case valid && current.Owner == owner:
			if err := s.kv.Set(ctx, KeyRefreshLease, mine.String()); err != nil {
				return Lease{}, false, errors.Wrapf(err, "[Store.AcquireRefreshLease]")
			}
			return mine, true, nil
		case valid && s.clock.Now().Before(current.Until):
			return current, false, nil
		}

		s.logger.Debug().Str("lease", raw).Msg("Taking over stale refresh lease")
		if err := s.kv.Delete(ctx, KeyRefreshLease); err != nil {
			return Lease{}, false, errors.Wrapf(err, "[Store.AcquireRefreshLease]")
		}
	}
	// Lost the takeover to another tab; give it a full term.
	return Lease{Until: mine.Until}, false, nil
}

// ReleaseRefreshLease drops the lease if owner still holds it.
func (s *Store) ReleaseRefreshLease(ctx context.Context, owner string) error {
	raw, ok, err := s.kv.Get(ctx, KeyRefreshLease)
	if err != nil {
		return errors.Wrapf(err, "[Store.ReleaseRefreshLease]")
	}
	if !ok {
		return nil
	}
	if current, valid := parseLease(raw); valid && current.Owner != owner {
		return nil
	}
	if err := s.kv.Delete(ctx, KeyRefreshLease); err != nil {
		return errors.Wrapf(err, "[Store.ReleaseRefreshLease]")
	}
	return nil
}
