package store

import (
	"testing"
	"time"
)

func TestCheckpointsTableSetAndSelect(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	table := storage.Checkpoints
	sessionID := "11111111-aaaa-bbbb-cccc-000000000001"
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Log("No rows yet: Select is nil, SelectAll is empty.")
	cp, err := table.Select(sessionID, "AssetV1")
	if err != nil {
		t.Fatalf("Select: %s", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}
	all, err := table.SelectAll(sessionID)
	if err != nil {
		t.Fatalf("SelectAll: %s", err)
	}
	assertEqual(t, len(all), 0, "SelectAll empty")

	t.Log("Set a marker and read it back both ways.")
	marker := now.Add(-time.Minute)
	if err := table.Set(sessionID, "AssetV1", marker, now); err != nil {
		t.Fatalf("Set: %s", err)
	}
	cp, err = table.Select(sessionID, "AssetV1")
	if err != nil || cp == nil {
		t.Fatalf("Select after Set: %v %s", cp, err)
	}
	if !cp.Marker.Equal(marker) {
		t.Fatalf("marker mismatch: got %v want %v", cp.Marker, marker)
	}
	all, err = table.SelectAll(sessionID)
	if err != nil {
		t.Fatalf("SelectAll: %s", err)
	}
	assertEqual(t, len(all), 1, "SelectAll count")
	if !all["AssetV1"].Marker.Equal(marker) {
		t.Fatalf("SelectAll marker mismatch")
	}

	t.Log("Set is take-max: an older marker leaves the row alone, so racing writers cannot regress it.")
	older := marker.Add(-time.Hour)
	if err := table.Set(sessionID, "AssetV1", older, now); err != nil {
		t.Fatalf("Set older: %s", err)
	}
	cp, _ = table.Select(sessionID, "AssetV1")
	if !cp.Marker.Equal(marker) {
		t.Fatalf("older marker regressed the row: got %v want %v", cp.Marker, marker)
	}

	t.Log("A newer marker still advances it.")
	newer := marker.Add(time.Hour)
	if err := table.Set(sessionID, "AssetV1", newer, now); err != nil {
		t.Fatalf("Set newer: %s", err)
	}
	cp, _ = table.Select(sessionID, "AssetV1")
	if !cp.Marker.Equal(newer) {
		t.Fatalf("newer marker did not advance the row: got %v want %v", cp.Marker, newer)
	}
}

func TestCheckpointsTableMilestones(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	table := storage.Checkpoints
	sessionID := "11111111-aaaa-bbbb-cccc-000000000002"
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Log("UpdateMilestones on a fresh row creates it with a zero marker.")
	changed, err := table.UpdateMilestones(sessionID, "PartnerAssetBackfillV1", now, func(ms Milestones) (Milestones, bool) {
		ms.BackfillComplete = true
		return ms, true
	})
	if err != nil {
		t.Fatalf("UpdateMilestones: %s", err)
	}
	if !changed {
		t.Fatalf("expected UpdateMilestones to report a change")
	}
	cp, err := table.Select(sessionID, "PartnerAssetBackfillV1")
	if err != nil || cp == nil {
		t.Fatalf("Select: %v %s", cp, err)
	}
	if !cp.Marker.IsZero() {
		t.Fatalf("expected zero marker, got %v", cp.Marker)
	}
	ms, err := cp.DecodeMilestones()
	if err != nil {
		t.Fatalf("DecodeMilestones: %s", err)
	}
	assertEqual(t, ms.BackfillComplete, true, "BackfillComplete")

	t.Log("The callback sees the stored value, and returning false writes nothing.")
	changed, err = table.UpdateMilestones(sessionID, "PartnerAssetBackfillV1", now, func(ms Milestones) (Milestones, bool) {
		if !ms.BackfillComplete {
			t.Fatalf("callback did not see the stored milestones: %+v", ms)
		}
		return ms, false
	})
	if err != nil {
		t.Fatalf("UpdateMilestones no-op: %s", err)
	}
	if changed {
		t.Fatalf("no-op UpdateMilestones reported a change")
	}

	t.Log("A later Set keeps the milestone blob on the row.")
	marker := now.Add(-time.Minute)
	if err := table.Set(sessionID, "PartnerAssetBackfillV1", marker, now); err != nil {
		t.Fatalf("Set: %s", err)
	}
	cp, _ = table.Select(sessionID, "PartnerAssetBackfillV1")
	ms, err = cp.DecodeMilestones()
	if err != nil {
		t.Fatalf("DecodeMilestones after Set: %s", err)
	}
	assertEqual(t, ms.BackfillComplete, true, "BackfillComplete survives Set")
	if !cp.Marker.Equal(marker) {
		t.Fatalf("marker mismatch after Set")
	}

	t.Log("A row with no milestone blob decodes to the zero value.")
	if err := table.Set(sessionID, "AssetV1", marker, now); err != nil {
		t.Fatalf("Set: %s", err)
	}
	cp, _ = table.Select(sessionID, "AssetV1")
	ms, err = cp.DecodeMilestones()
	if err != nil {
		t.Fatalf("DecodeMilestones empty: %s", err)
	}
	assertEqual(t, ms, Milestones{}, "empty milestones")
}

func TestCheckpointsTableDelete(t *testing.T) {
	storage, close := newTestStorage(t)
	defer close()
	table := storage.Checkpoints
	sessionID := "11111111-aaaa-bbbb-cccc-000000000003"
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, et := range []string{"AssetV1", "AssetDeleteV1", "AlbumV1", "PersonV1"} {
		if err := table.Set(sessionID, et, now, now); err != nil {
			t.Fatalf("Set %s: %s", et, err)
		}
	}

	t.Log("Delete a subset of types.")
	if err := table.Delete(sessionID, []string{"AssetV1", "AssetDeleteV1"}); err != nil {
		t.Fatalf("Delete: %s", err)
	}
	all, err := table.SelectAll(sessionID)
	if err != nil {
		t.Fatalf("SelectAll: %s", err)
	}
	assertEqual(t, len(all), 2, "count after partial delete")
	if _, ok := all["AlbumV1"]; !ok {
		t.Fatalf("AlbumV1 should survive partial delete")
	}

	t.Log("DeleteAll clears the rest.")
	if err := table.DeleteAll(sessionID); err != nil {
		t.Fatalf("DeleteAll: %s", err)
	}
	all, _ = table.SelectAll(sessionID)
	assertEqual(t, len(all), 0, "count after DeleteAll")
}
