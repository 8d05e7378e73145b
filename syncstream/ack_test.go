package syncstream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAckMonotonicity(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "mona")
	ctx := context.Background()

	newer := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	if err := proc.Process(ctx, session, []string{FormatAck(EntityAsset, newer)}); err != nil {
		t.Fatalf("Process: %s", err)
	}

	t.Log("A retried older ack must not move the checkpoint backwards.")
	if err := proc.Process(ctx, session, []string{FormatAck(EntityAsset, older)}); err != nil {
		t.Fatalf("Process older: %s", err)
	}
	cp, err := storage.Checkpoints.Select(session.ID, string(EntityAsset))
	if err != nil || cp == nil {
		t.Fatalf("Select: %v %s", cp, err)
	}
	if !cp.Marker.Equal(newer) {
		t.Fatalf("checkpoint regressed: got %v want %v", cp.Marker, newer)
	}

	t.Log("Same batch replayed, and the two markers in either order, converge on the same state.")
	if err := proc.Process(ctx, session, []string{
		FormatAck(EntityAsset, older),
		FormatAck(EntityAsset, newer),
	}); err != nil {
		t.Fatalf("Process both: %s", err)
	}
	cp, _ = storage.Checkpoints.Select(session.ID, string(EntityAsset))
	if !cp.Marker.Equal(newer) {
		t.Fatalf("mixed-order batch: got %v want %v", cp.Marker, newer)
	}
}

func TestAckUnknownTypeRejectsBatch(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "nora")
	ctx := context.Background()

	marker := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	err := proc.Process(ctx, session, []string{
		FormatAck(EntityAsset, marker),
		"BogusTypeV1|" + marker.Format(markerTimeFormat) + "|",
	})
	if !errors.Is(err, ErrUnknownAckType) {
		t.Fatalf("expected ErrUnknownAckType, got %v", err)
	}

	t.Log("Nothing from the batch was committed.")
	cp, err := storage.Checkpoints.Select(session.ID, string(EntityAsset))
	if err != nil {
		t.Fatalf("Select: %s", err)
	}
	if cp != nil {
		t.Fatalf("partial commit from rejected batch: %+v", cp)
	}
}

func TestAckMalformedTokenIsSkipped(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "olga")
	ctx := context.Background()

	marker := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	if err := proc.Process(ctx, session, []string{
		"AssetV1|garbage|",
		FormatAck(EntityAlbum, marker),
	}); err != nil {
		t.Fatalf("Process: %s", err)
	}

	t.Log("The well-formed token in the same batch still applied.")
	cp, err := storage.Checkpoints.Select(session.ID, string(EntityAlbum))
	if err != nil || cp == nil {
		t.Fatalf("Select: %v %s", cp, err)
	}
	if !cp.Marker.Equal(marker) {
		t.Fatalf("marker: got %v want %v", cp.Marker, marker)
	}
}

func TestAckBackfillCompletePreservesMarker(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "pete")
	ctx := context.Background()

	marker := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	if err := proc.Process(ctx, session, []string{
		FormatAck(EntityPartnerAssetBackfill, marker),
		FormatMilestoneAck(EntityPartnerAssetBackfill, MilestoneBackfillComplete),
	}); err != nil {
		t.Fatalf("Process: %s", err)
	}
	cp, err := storage.Checkpoints.Select(session.ID, string(EntityPartnerAssetBackfill))
	if err != nil || cp == nil {
		t.Fatalf("Select: %v %s", cp, err)
	}
	if !cp.Marker.Equal(marker) {
		t.Fatalf("milestone ack clobbered the marker: got %v", cp.Marker)
	}
	ms, err := cp.DecodeMilestones()
	if err != nil {
		t.Fatalf("DecodeMilestones: %s", err)
	}
	if !ms.BackfillComplete {
		t.Fatalf("backfill-complete not recorded")
	}
}

func TestAckPhaseMilestoneNeverRegresses(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "quinn")
	ctx := context.Background()

	if err := proc.Process(ctx, session, []string{FormatPhaseAck(EntityPartnerAsset, PhaseCreate)}); err != nil {
		t.Fatalf("Process: %s", err)
	}
	t.Log("A retried earlier phase marker keeps the higher stored phase.")
	if err := proc.Process(ctx, session, []string{FormatPhaseAck(EntityPartnerAsset, PhaseUpdate)}); err != nil {
		t.Fatalf("Process update: %s", err)
	}
	cp, _ := storage.Checkpoints.Select(session.ID, string(EntityPartnerAsset))
	ms, err := cp.DecodeMilestones()
	if err != nil {
		t.Fatalf("DecodeMilestones: %s", err)
	}
	if Phase(ms.Phase) != PhaseCreate {
		t.Fatalf("phase regressed: got %v", Phase(ms.Phase))
	}
}

func TestAckOnCommitReportsAdvancedTypes(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "rita")
	ctx := context.Background()

	var gotSubject, gotSession string
	var gotTypes []EntityType
	proc.OnCommit = func(subject, sessionID string, advanced []EntityType) {
		gotSubject, gotSession, gotTypes = subject, sessionID, advanced
	}

	marker := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	if err := proc.Process(ctx, session, []string{FormatAck(EntityAsset, marker)}); err != nil {
		t.Fatalf("Process: %s", err)
	}
	if gotSubject != "rita" || gotSession != session.ID {
		t.Fatalf("OnCommit identity: %q %q", gotSubject, gotSession)
	}
	if len(gotTypes) != 1 || gotTypes[0] != EntityAsset {
		t.Fatalf("OnCommit types: %v", gotTypes)
	}

	t.Log("A batch that advances nothing does not notify.")
	gotTypes = nil
	if err := proc.Process(ctx, session, []string{FormatAck(EntityAsset, marker)}); err != nil {
		t.Fatalf("Process duplicate: %s", err)
	}
	if gotTypes != nil {
		t.Fatalf("duplicate batch notified: %v", gotTypes)
	}
}

func TestAckRevokedSessionCommitsNothing(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "tara")
	ctx := context.Background()

	t.Log("Delete the session out from under a caller still holding it.")
	if _, err := storage.DeleteSession(session.ID); err != nil {
		t.Fatalf("DeleteSession: %s", err)
	}

	marker := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	err := proc.Process(ctx, session, []string{FormatAck(EntityAsset, marker)})
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}

	t.Log("No checkpoint rows were recreated for the dead session.")
	checkpoints, err := storage.Checkpoints.SelectAll(session.ID)
	if err != nil {
		t.Fatalf("SelectAll: %s", err)
	}
	if len(checkpoints) != 0 {
		t.Fatalf("orphaned checkpoints: %+v", checkpoints)
	}
}

func TestAckTouchesSession(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	proc := NewProcessor(storage)
	session := newSession(t, storage, "sven")
	ctx := context.Background()

	t.Log("Backdate the session, then ack; the ack refreshes updated_at.")
	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := storage.Sessions.Touch(session.ID, past); err != nil {
		t.Fatalf("Touch: %s", err)
	}
	if err := proc.Process(ctx, session, []string{FormatAck(EntityAsset, past)}); err != nil {
		t.Fatalf("Process: %s", err)
	}
	got, err := storage.Sessions.Select(session.ID)
	if err != nil || got == nil {
		t.Fatalf("Select: %v %s", got, err)
	}
	if !got.UpdatedAt.After(past.Add(time.Hour)) {
		t.Fatalf("ack did not touch the session: %v", got.UpdatedAt)
	}
}
