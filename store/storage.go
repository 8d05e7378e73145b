package store

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage bundles the session and checkpoint tables over one database handle.
// It owns the operations which must span both tables atomically: deleting a
// session must take its checkpoints with it, as a partial delete leaves
// orphaned progress markers that can never be cleaned up.
type Storage struct {
	Sessions    *SessionsTable
	Checkpoints *CheckpointsTable
	DB          *sqlx.DB

	sessionsReaped *prometheus.CounterVec
}

func NewStorage(postgresURI, secret string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, secret, false)
}

func NewStorageWithDB(db *sqlx.DB, secret string, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		Sessions:    NewSessionsTable(db, secret),
		Checkpoints: NewCheckpointsTable(db),
		DB:          db,
	}
	if addPrometheusMetrics {
		s.sessionsReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "immich_adapter",
			Subsystem: "store",
			Name:      "sessions_reaped",
			Help:      "Number of sessions deleted by expiry or inactivity GC",
		}, []string{"reason"})
		prometheus.MustRegister(s.sessionsReaped)
	}
	return s
}

// CreateSession inserts a new session inside a transaction and returns it.
func (s *Storage) CreateSession(credential, subject, deviceClass, deviceOS, appVersion string, expiresAt *time.Time) (session *Session, err error) {
	err = withTransaction(s.DB, func(txn *sqlx.Tx) error {
		session, err = s.Sessions.Insert(txn, credential, subject, deviceClass, deviceOS, appVersion, expiresAt)
		return err
	})
	return
}

// DeleteSession removes the session row and all of its checkpoints in one
// transaction. Reports whether the session existed.
func (s *Storage) DeleteSession(sessionID string) (existed bool, err error) {
	err = withTransaction(s.DB, func(txn *sqlx.Tx) error {
		existed, err = s.Sessions.deleteTxn(txn, sessionID)
		if err != nil {
			return err
		}
		return s.Checkpoints.deleteAllTxn(txn, sessionID)
	})
	return
}

// DeleteSessionsForSubject removes every session belonging to the subject,
// checkpoints included. Returns the number of sessions deleted.
func (s *Storage) DeleteSessionsForSubject(subject string) (deleted int, err error) {
	err = withTransaction(s.DB, func(txn *sqlx.Tx) error {
		var ids []string
		if err := txn.Select(&ids, `SELECT session_id FROM imsync_sessions WHERE subject = $1`, subject); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := s.Checkpoints.deleteForSessionsTxn(txn, ids); err != nil {
			return err
		}
		result, err := txn.Exec(`DELETE FROM imsync_sessions WHERE subject = $1`, subject)
		if err != nil {
			return err
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(ra)
		return nil
	})
	return
}

// ReapStaleSessions deletes sessions which have been inactive for longer than
// inactivity, or whose explicit expiry has passed, along with their
// checkpoints. Returns the number of sessions reaped.
func (s *Storage) ReapStaleSessions(now time.Time, inactivity time.Duration) (reaped int, err error) {
	cutoff := now.Add(-inactivity)
	err = withTransaction(s.DB, func(txn *sqlx.Tx) error {
		ids, err := s.Sessions.selectStaleIDs(txn, cutoff, now)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := s.Checkpoints.deleteForSessionsTxn(txn, ids); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.Sessions.deleteTxn(txn, id); err != nil {
				return err
			}
		}
		reaped = len(ids)
		return nil
	})
	if err == nil && reaped > 0 {
		logger.Info().Int("count", reaped).Msg("reaped stale sessions")
		if s.sessionsReaped != nil {
			s.sessionsReaped.WithLabelValues("stale").Add(float64(reaped))
		}
	}
	return
}

// used in tests to close postgres connections
func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
	if s.sessionsReaped != nil {
		prometheus.Unregister(s.sessionsReaped)
	}
}
