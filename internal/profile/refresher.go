package profile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Store persists profile fields
type Store interface {
	UpdateProfile(ctx context.Context, p *domain.Player) error
}

// Refresher updates stale profiles. Concurrent refreshes of one player
// share a single fetch.
type Refresher struct {
	fetcher    Fetcher
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	log        *logrus.Entry
	group      singleflight.Group
}

// NewRefresher creates a refresher that refetches profiles older than staleAfter
func NewRefresher(fetcher Fetcher, store Store, staleAfter time.Duration, log *logrus.Entry) *Refresher {
	return &Refresher{
		fetcher:    fetcher,
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
}

// RefreshIfStale fetches and stores p's profile unless it was updated
// recently. Players without a user id are skipped.
func (r *Refresher) RefreshIfStale(ctx context.Context, p *domain.Player) error {
	if p.ID == 0 {
		return nil
	}
	if !p.LastProfileUpdate.IsZero() && r.now().Sub(p.LastProfileUpdate) < r.staleAfter {
		return nil
	}

	_, err, shared := r.group.Do(strconv.FormatInt(p.ID, 10), func() (any, error) {
		prof, err := r.fetcher.FetchProfile(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching profile of %s: %w", p.Username, err)
		}
		updated := p.Clone()
		prof.Apply(updated)
		updated.LastProfileUpdate = r.now()
		if err := r.store.UpdateProfile(ctx, updated); err != nil {
			return nil, err
		}
		r.log.WithFields(logrus.Fields{
			"player":  p.Username,
			"overall": prof.Overall,
		}).Debug("Profile refreshed")
		return nil, nil
	})
	if shared {
		r.log.WithField("player", p.Username).Trace("Joined in-flight profile refresh")
	}
	return err
}
