package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meanrev/internal/broker"
)

type AccountSource interface {
	Account(ctx context.Context) (broker.Account, error)
}

// AccountCache refreshes the account snapshot at most once per interval so
// order sizing does not hit the broker on every bar.
type AccountCache struct {
	source    AccountSource
	refresh   time.Duration
	now       func() time.Time
	log       zerolog.Logger
	mu        sync.Mutex
	snapshot  broker.Account
	fetchedAt time.Time
	valid     bool
}

func NewAccountCache(source AccountSource, refresh time.Duration, log zerolog.Logger) *AccountCache {
	return &AccountCache{
		source:  source,
		refresh: refresh,
		now:     time.Now,
		log:     log.With().Str("component", "account").Logger(),
	}
}

// Snapshot returns the cached account, fetching a new one once it is older
// than the refresh interval. A failed refresh falls back to the previous
// snapshot when there is one.
func (a *AccountCache) Snapshot(ctx context.Context) (broker.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.valid && a.now().Sub(a.fetchedAt) < a.refresh {
		return a.snapshot, nil
	}
	account, err := a.source.Account(ctx)
	if err != nil {
		if a.valid {
			a.log.Warn().Err(err).Time("fetched_at", a.fetchedAt).Msg("account refresh failed, using previous snapshot")
			return a.snapshot, nil
		}
		return broker.Account{}, err
	}
	a.snapshot = account
	a.fetchedAt = a.now()
	a.valid = true
	return account, nil
}
