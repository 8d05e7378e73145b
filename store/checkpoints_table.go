package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Checkpoint tracks sync progress for one (session, entity type) pair.
// Marker is the highest progress marker the client has acknowledged; it is the
// value sync queries filter on. RecordedAt is when this row was last written,
// used for staleness decisions only, never for sync filtering.
type Checkpoint struct {
	SessionID  string    `db:"session_id"`
	EntityType string    `db:"entity_type"`
	Marker     time.Time `db:"marker"`
	RecordedAt time.Time `db:"recorded_at"`
	Milestones []byte    `db:"milestones"`
}

// Milestones are structural progress markers acknowledged by the client which
// are not plain timestamps: backfill completion and the highest phase entered.
// Serialised as CBOR in the checkpoint row to keep them a single opaque column.
type Milestones struct {
	BackfillComplete bool  `cbor:"1,keyasint,omitempty"`
	Phase            uint8 `cbor:"2,keyasint,omitempty"`
}

func (c *Checkpoint) DecodeMilestones() (m Milestones, err error) {
	if len(c.Milestones) == 0 {
		return Milestones{}, nil
	}
	err = cbor.Unmarshal(c.Milestones, &m)
	return
}

func EncodeMilestones(m Milestones) ([]byte, error) {
	return cbor.Marshal(&m)
}

// CheckpointsTable remembers per-session, per-entity-type progress markers.
// Rows live and die with the owning session.
type CheckpointsTable struct {
	db *sqlx.DB
}

// NewCheckpointsTable creates the imsync_checkpoints table if it does not already exist.
func NewCheckpointsTable(db *sqlx.DB) *CheckpointsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS imsync_checkpoints (
		session_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		marker TIMESTAMP WITH TIME ZONE NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
		milestones BYTEA,
		PRIMARY KEY (session_id, entity_type)
	);`)
	return &CheckpointsTable{
		db: db,
	}
}

// SelectAll returns every checkpoint for this session in one round trip,
// keyed by entity type.
func (t *CheckpointsTable) SelectAll(sessionID string) (map[string]Checkpoint, error) {
	var rows []Checkpoint
	err := t.db.Select(&rows, `
	SELECT session_id, entity_type, marker, recorded_at, milestones FROM imsync_checkpoints WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Checkpoint, len(rows))
	for _, row := range rows {
		result[row.EntityType] = row
	}
	return result, nil
}

// Select returns the checkpoint for one entity type, or (nil, nil) if absent.
func (t *CheckpointsTable) Select(sessionID, entityType string) (*Checkpoint, error) {
	var rows []Checkpoint
	err := t.db.Select(&rows, `
	SELECT session_id, entity_type, marker, recorded_at, milestones FROM imsync_checkpoints
	WHERE session_id = $1 AND entity_type = $2`, sessionID, entityType)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Set upserts the marker for one entity type, keeping whichever of the stored
// and offered markers is newer. Take-max in the statement itself means two
// racing ack batches cannot interleave a read-compare-write and regress the
// row; replaying any mix of batches converges on the same marker.
func (t *CheckpointsTable) Set(sessionID, entityType string, marker, now time.Time) error {
	_, err := t.db.Exec(`
	INSERT INTO imsync_checkpoints(session_id, entity_type, marker, recorded_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (session_id, entity_type) DO UPDATE
	SET marker = GREATEST(imsync_checkpoints.marker, EXCLUDED.marker), recorded_at = EXCLUDED.recorded_at`,
		sessionID, entityType, marker.UTC(), now.UTC())
	return err
}

// UpdateMilestones applies fn to the stored milestone blob under a row lock,
// writing back only when fn reports a change. The row is created with a
// beginning-of-time marker if it does not exist yet, so two concurrent
// milestone acks for the same row serialise on the lock instead of clobbering
// each other's read-modify-write.
func (t *CheckpointsTable) UpdateMilestones(sessionID, entityType string, now time.Time, fn func(Milestones) (Milestones, bool)) (changed bool, err error) {
	err = withTransaction(t.db, func(txn *sqlx.Tx) error {
		_, err := txn.Exec(`
		INSERT INTO imsync_checkpoints(session_id, entity_type, marker, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, entity_type) DO NOTHING`,
			sessionID, entityType, time.Time{}.UTC(), now.UTC())
		if err != nil {
			return err
		}
		var blob []byte
		err = txn.Get(&blob, `
		SELECT milestones FROM imsync_checkpoints
		WHERE session_id = $1 AND entity_type = $2 FOR UPDATE`, sessionID, entityType)
		if err != nil {
			return err
		}
		ms := Milestones{}
		if len(blob) > 0 {
			if err := cbor.Unmarshal(blob, &ms); err != nil {
				return err
			}
		}
		updated, change := fn(ms)
		if !change {
			return nil
		}
		encoded, err := EncodeMilestones(updated)
		if err != nil {
			return err
		}
		_, err = txn.Exec(`
		UPDATE imsync_checkpoints SET milestones = $3, recorded_at = $4
		WHERE session_id = $1 AND entity_type = $2`,
			sessionID, entityType, encoded, now.UTC())
		changed = true
		return err
	})
	return changed, err
}

// Delete removes the checkpoints for the given entity types only.
func (t *CheckpointsTable) Delete(sessionID string, entityTypes []string) error {
	if len(entityTypes) == 0 {
		return nil
	}
	_, err := t.db.Exec(
		`DELETE FROM imsync_checkpoints WHERE session_id = $1 AND entity_type = ANY($2)`,
		sessionID, pq.StringArray(entityTypes),
	)
	return err
}

// DeleteAll removes every checkpoint for this session.
func (t *CheckpointsTable) DeleteAll(sessionID string) error {
	_, err := t.db.Exec(`DELETE FROM imsync_checkpoints WHERE session_id = $1`, sessionID)
	return err
}

func (t *CheckpointsTable) deleteAllTxn(txn *sqlx.Tx, sessionID string) error {
	_, err := txn.Exec(`DELETE FROM imsync_checkpoints WHERE session_id = $1`, sessionID)
	return err
}

func (t *CheckpointsTable) deleteForSessionsTxn(txn *sqlx.Tx, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	_, err := txn.Exec(`DELETE FROM imsync_checkpoints WHERE session_id = ANY($1)`, pq.StringArray(sessionIDs))
	return err
}
