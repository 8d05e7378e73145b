package adapter

import (
	"time"

	"github.com/gumnut-photos/immich-adapter/store"
)

// SessionReaper periodically deletes sessions whose devices stopped syncing,
// along with their checkpoints. A device that returns after the inactivity
// limit simply gets a fresh session and a full resync.
type SessionReaper struct {
	ticker     *time.Ticker
	done       chan struct{}
	storage    *store.Storage
	inactivity time.Duration
}

func NewSessionReaper(storage *store.Storage, interval, inactivity time.Duration) *SessionReaper {
	return &SessionReaper{
		ticker:     time.NewTicker(interval),
		done:       make(chan struct{}),
		storage:    storage,
		inactivity: inactivity,
	}
}

// Run blocks until Stop is called. Start it in its own goroutine.
func (r *SessionReaper) Run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			reaped, err := r.storage.ReapStaleSessions(time.Now().UTC(), r.inactivity)
			if err != nil {
				logger.Err(err).Msg("session reap failed")
				continue
			}
			if reaped > 0 {
				logger.Info().Int("reaped", reaped).Msg("reaped stale sessions")
			}
		}
	}
}

func (r *SessionReaper) Stop() {
	r.ticker.Stop()
	close(r.done)
}
