package syncstream

import (
	"context"
	"errors"
	"time"

	"github.com/gumnut-photos/immich-adapter/internal"
	"github.com/gumnut-photos/immich-adapter/store"
)

// ErrSessionRevoked is returned when the session an ack batch names no longer
// exists in the store. Committing anyway would recreate checkpoint rows keyed
// to the dead session, and nothing would ever clean those up.
var ErrSessionRevoked = errors.New("session has been revoked")

// Processor commits client ack tokens to the checkpoint store. All writes are
// take-max: applying the same batch twice, or two batches in either order,
// converges on the same stored state. That is what lets clients retry acks
// blindly after a dropped connection.
type Processor struct {
	storage *store.Storage
	// OnCommit, if set, is called after a batch commits with the wire types
	// whose checkpoints actually advanced. Used to fan out change
	// notifications to the subject's other connected devices.
	OnCommit func(subject, sessionID string, advanced []EntityType)
}

func NewProcessor(storage *store.Storage) *Processor {
	return &Processor{storage: storage}
}

// Process applies one batch of ack tokens for a session. A token naming an
// unknown entity type fails the whole batch before anything is written; a
// merely malformed token is skipped with a warning and the rest of the batch
// still applies.
func (p *Processor) Process(ctx context.Context, session *store.Session, acks []string) error {
	ctx, span := internal.StartSpan(ctx, "ProcessAcks")
	defer span.End()
	now := time.Now().UTC()

	// Parse everything up front so an unknown type rejects the batch with no
	// partial writes.
	tokens := make([]*AckToken, 0, len(acks))
	for _, ack := range acks {
		token, err := ParseAck(ack)
		if err != nil {
			return err
		}
		if token == nil {
			continue // already logged
		}
		tokens = append(tokens, token)
	}
	internal.SetRequestContextAckInfo(ctx, len(tokens))

	// The session may have been deleted (logout, reaper) after the caller
	// resolved it. Touch doubles as the existence check: zero rows updated
	// means the session is gone and nothing may be committed for it.
	exists, err := p.storage.Sessions.Touch(session.ID, now)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionRevoked
	}

	var advanced []EntityType
	for i, token := range tokens {
		if token.Type == EntitySyncReset && token.Milestone == MilestoneReset {
			if rest := len(tokens) - i - 1; rest > 0 {
				logger.Warn().Str("session_id", session.ID).Int("ignored", rest).
					Msg("reset ack in mid-batch; ignoring remaining acks")
			}
			return p.applyReset(session)
		}

		var (
			adv bool
			err error
		)
		switch {
		case token.IsMilestone():
			adv, err = p.applyMilestone(session.ID, token, now)
		case token.Type == EntitySyncComplete:
			adv, err = p.applyCompletion(session.ID, token, now)
		default:
			adv, err = p.applyMarker(session.ID, token, now)
		}
		if err != nil {
			return err
		}
		if adv {
			advanced = append(advanced, token.Type)
		}
	}

	if p.OnCommit != nil && len(advanced) > 0 {
		p.OnCommit(session.Subject, session.ID, advanced)
	}
	return nil
}

// applyReset acknowledges a SyncResetV1 event: the client has accepted that
// its local state is void, so every checkpoint goes and the pending flag
// clears. The next stream starts from nothing.
func (p *Processor) applyReset(session *store.Session) error {
	if err := p.storage.Checkpoints.DeleteAll(session.ID); err != nil {
		return err
	}
	if err := p.storage.Sessions.SetPendingReset(session.ID, false); err != nil {
		return err
	}
	logger.Info().Str("session_id", session.ID).Msg("reset acknowledged, checkpoints cleared")
	return nil
}

// applyMarker advances one timestamp checkpoint. The store write is take-max,
// so a retried or out-of-order marker can never regress the row even when two
// batches race; the pre-read only decides whether this batch advanced
// anything, for the notification fan-out.
func (p *Processor) applyMarker(sessionID string, token *AckToken, now time.Time) (bool, error) {
	current, err := p.storage.Checkpoints.Select(sessionID, string(token.Type))
	if err != nil {
		return false, err
	}
	if current != nil && !token.Marker.After(current.Marker) {
		return false, nil
	}
	return true, p.storage.Checkpoints.Set(sessionID, string(token.Type), token.Marker, now)
}

// applyMilestone records a structural marker (backfill-complete or a phase
// transition) in the checkpoint row's milestone blob, preserving the row's
// timestamp marker. The store serialises the read-modify-write, so both
// fields stay set-once/take-max under concurrent retries.
func (p *Processor) applyMilestone(sessionID string, token *AckToken, now time.Time) (bool, error) {
	return p.storage.Checkpoints.UpdateMilestones(sessionID, string(token.Type), now, func(ms store.Milestones) (store.Milestones, bool) {
		switch {
		case token.Milestone == MilestoneBackfillComplete:
			if ms.BackfillComplete {
				return ms, false
			}
			ms.BackfillComplete = true
			return ms, true
		case token.Phase() != 0:
			if uint8(token.Phase()) <= ms.Phase {
				return ms, false
			}
			ms.Phase = uint8(token.Phase())
			return ms, true
		default:
			logger.Warn().Str("milestone", token.Milestone).Msg("skipping unrecognised milestone ack")
			return ms, false
		}
	})
}

// applyCompletion stores the snapshot marker from a SyncCompleteV1 ack and
// clears phase milestones: the sync reached the end, so the next stream runs
// each multi-phase type's phases from the top (backfill stays skipped via its
// own marker).
func (p *Processor) applyCompletion(sessionID string, token *AckToken, now time.Time) (bool, error) {
	adv, err := p.applyMarker(sessionID, token, now)
	if err != nil || !adv {
		return adv, err
	}
	checkpoints, err := p.storage.Checkpoints.SelectAll(sessionID)
	if err != nil {
		return true, err
	}
	for entityType, cp := range checkpoints {
		ms, err := cp.DecodeMilestones()
		if err != nil {
			return true, err
		}
		if ms.Phase == 0 {
			continue
		}
		_, err = p.storage.Checkpoints.UpdateMilestones(sessionID, entityType, now, func(ms store.Milestones) (store.Milestones, bool) {
			if ms.Phase == 0 {
				return ms, false
			}
			ms.Phase = 0
			return ms, true
		})
		if err != nil {
			return true, err
		}
	}
	return true, nil
}
