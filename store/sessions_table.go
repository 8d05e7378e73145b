package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Session is one authenticated device connection. The ID is a random UUID
// generated once at creation; it is deliberately NOT derived from the upstream
// credential, so refreshing the credential never changes the ID and therefore
// never orphans the checkpoints keyed on it.
type Session struct {
	ID                  string     `db:"session_id"`
	Subject             string     `db:"subject"`
	Credential          string     // plaintext, never persisted
	CredentialEncrypted string     `db:"credential_encrypted"`
	DeviceClass         string     `db:"device_class"`
	DeviceOS            string     `db:"device_os"`
	AppVersion          string     `db:"app_version"`
	PendingReset        bool       `db:"pending_reset"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	ExpiresAt           *time.Time `db:"expires_at"`
}

// SessionsTable remembers device sessions and the encrypted upstream credential
// each one maps to.
type SessionsTable struct {
	db *sqlx.DB
	// A separate secret used to en/decrypt credentials prior to / after retrieval from the database.
	// This provides additional security as a simple SQL injection attack would be insufficient to
	// retrieve users' upstream credentials due to the encryption key not living inside the database
	// / on that machine at all.
	// We cannot use bcrypt/scrypt as we need the plaintext to talk to the upstream backend!
	key256 []byte
}

// NewSessionsTable creates the imsync_sessions table if it does not already exist.
func NewSessionsTable(db *sqlx.DB, secret string) *SessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS imsync_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		subject TEXT NOT NULL,
		credential_encrypted TEXT NOT NULL,
		device_class TEXT NOT NULL,
		device_os TEXT NOT NULL,
		app_version TEXT NOT NULL,
		pending_reset BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE
	);
	CREATE INDEX IF NOT EXISTS imsync_sessions_subject_idx ON imsync_sessions(subject);
	CREATE INDEX IF NOT EXISTS imsync_sessions_updated_at_idx ON imsync_sessions(updated_at);
	`)

	// derive the key from the secret
	hash := sha256.New()
	hash.Write([]byte(secret))

	return &SessionsTable{
		db:     db,
		key256: hash.Sum(nil),
	}
}

func (t *SessionsTable) encrypt(credential string) string {
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		panic("store.SessionsTable encrypt: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic("store.SessionsTable encrypt: " + err.Error())
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		panic("store.SessionsTable encrypt: " + err.Error())
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(credential), nil))
}

func (t *SessionsTable) decrypt(nonceAndEncCredential string) (string, error) {
	segs := strings.Split(nonceAndEncCredential, " ")
	if len(segs) != 2 {
		return "", fmt.Errorf("decrypt credential: malformed ciphertext")
	}
	nonceBytes, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("decrypt nonce: failed to decode hex: %s", err)
	}
	ciphertext, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("decrypt credential: failed to decode hex: %s", err)
	}
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	credential, err := aesgcm.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(credential), nil
}

// Insert creates a new session with a freshly generated random identifier and
// returns it. expiresAt may be nil for sessions without a fixed expiry.
func (t *SessionsTable) Insert(txn *sqlx.Tx, credential, subject, deviceClass, deviceOS, appVersion string, expiresAt *time.Time) (*Session, error) {
	now := time.Now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, fmt.Errorf("session expiry %v is in the past", expiresAt)
	}
	session := &Session{
		ID:                  uuid.NewString(),
		Subject:             subject,
		Credential:          credential,
		CredentialEncrypted: t.encrypt(credential),
		DeviceClass:         deviceClass,
		DeviceOS:            deviceOS,
		AppVersion:          appVersion,
		CreatedAt:           now,
		UpdatedAt:           now,
		ExpiresAt:           expiresAt,
	}
	_, err := txn.Exec(
		`INSERT INTO imsync_sessions(session_id, subject, credential_encrypted, device_class, device_os, app_version, pending_reset, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, $9)`,
		session.ID, session.Subject, session.CredentialEncrypted, session.DeviceClass,
		session.DeviceOS, session.AppVersion, session.CreatedAt, session.UpdatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Select retrieves a session by ID, decrypting the stored credential. Returns
// (nil, nil) if the session does not exist or has passed its expiry; any other
// error is a store failure, never "not found".
func (t *SessionsTable) Select(sessionID string) (*Session, error) {
	var session Session
	err := t.db.Get(&session, `
	SELECT session_id, subject, credential_encrypted, device_class, device_os, app_version, pending_reset, created_at, updated_at, expires_at
	FROM imsync_sessions WHERE session_id=$1`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if session.ExpiresAt != nil && !session.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	session.Credential, err = t.decrypt(session.CredentialEncrypted)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SelectBySubject returns all sessions belonging to the given upstream subject.
func (t *SessionsTable) SelectBySubject(subject string) ([]Session, error) {
	var sessions []Session
	err := t.db.Select(&sessions, `
	SELECT session_id, subject, credential_encrypted, device_class, device_os, app_version, pending_reset, created_at, updated_at, expires_at
	FROM imsync_sessions WHERE subject=$1 ORDER BY created_at`, subject)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].Credential, err = t.decrypt(sessions[i].CredentialEncrypted)
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// UpdateCredential swaps the stored upstream credential in place. The session
// ID and its checkpoints are untouched.
func (t *SessionsTable) UpdateCredential(sessionID, newCredential string) error {
	_, err := t.db.Exec(
		`UPDATE imsync_sessions SET credential_encrypted = $1 WHERE session_id = $2`,
		t.encrypt(newCredential), sessionID,
	)
	return err
}

// Touch bumps the session's activity timestamp. Reports whether the session
// row still exists, so callers about to write progress on its behalf can tell
// that the session was deleted out from under them.
func (t *SessionsTable) Touch(sessionID string, now time.Time) (exists bool, err error) {
	result, err := t.db.Exec(`UPDATE imsync_sessions SET updated_at = $1 WHERE session_id = $2`, now.UTC(), sessionID)
	if err != nil {
		return false, err
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return ra > 0, nil
}

// SetPendingReset flags (or unflags) the session for a full resync on its next
// stream request.
func (t *SessionsTable) SetPendingReset(sessionID string, pending bool) error {
	_, err := t.db.Exec(`UPDATE imsync_sessions SET pending_reset = $1 WHERE session_id = $2`, pending, sessionID)
	return err
}

func (t *SessionsTable) deleteTxn(txn *sqlx.Tx, sessionID string) (bool, error) {
	result, err := txn.Exec(`DELETE FROM imsync_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, err
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return ra > 0, nil
}

// selectStaleIDs returns sessions whose last activity is older than the cutoff,
// plus sessions past their explicit expiry.
func (t *SessionsTable) selectStaleIDs(txn *sqlx.Tx, cutoff, now time.Time) ([]string, error) {
	var ids []string
	err := txn.Select(&ids, `
	SELECT session_id FROM imsync_sessions
	WHERE updated_at < $1 OR (expires_at IS NOT NULL AND expires_at <= $2)`, cutoff.UTC(), now.UTC())
	return ids, err
}
