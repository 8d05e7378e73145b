package syncstream

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAckTokenFormat(t *testing.T) {
	marker := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	got := FormatAck(EntityAsset, marker)
	want := "AssetV1|2025-03-14T09:26:53.589793+00:00|"
	if got != want {
		t.Fatalf("FormatAck: got %q want %q", got, want)
	}

	t.Log("Non-UTC markers keep their numeric offset.")
	est := time.FixedZone("EST", -5*60*60)
	got = FormatAck(EntityAlbum, time.Date(2025, 1, 2, 3, 4, 5, 0, est))
	want = "AlbumV1|2025-01-02T03:04:05.000000-05:00|"
	if got != want {
		t.Fatalf("FormatAck offset: got %q want %q", got, want)
	}
}

func TestAckTokenRoundTrip(t *testing.T) {
	marker := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	token, err := ParseAck(FormatAck(EntityAsset, marker))
	if err != nil {
		t.Fatalf("ParseAck: %s", err)
	}
	if token == nil {
		t.Fatalf("ParseAck returned nil for a well-formed token")
	}
	if token.Type != EntityAsset {
		t.Fatalf("type: got %q", token.Type)
	}
	if !token.Marker.Equal(marker) {
		t.Fatalf("marker: got %v want %v", token.Marker, marker)
	}
	if token.IsMilestone() {
		t.Fatalf("timestamp token reported as milestone")
	}
}

func TestParseAckUnknownTypeIsAnError(t *testing.T) {
	_, err := ParseAck("NoSuchTypeV1|2025-03-14T09:26:53.589793+00:00|")
	if !errors.Is(err, ErrUnknownAckType) {
		t.Fatalf("expected ErrUnknownAckType, got %v", err)
	}
}

func TestParseAckMalformedIsSkippable(t *testing.T) {
	cases := []string{
		"AssetV1",                 // no delimiter at all
		"AssetV1||",               // empty marker
		"AssetV1|not-a-time|",     // unparseable marker
		"AssetV1|12345|",          // not a timestamp either
	}
	for _, c := range cases {
		token, err := ParseAck(c)
		if err != nil {
			t.Fatalf("ParseAck(%q): unexpected error %s", c, err)
		}
		if token != nil {
			t.Fatalf("ParseAck(%q): expected nil token, got %+v", c, token)
		}
	}
}

func TestParseAckToleratesExtraFields(t *testing.T) {
	token, err := ParseAck("AssetV1|2025-03-14T09:26:53.589793+00:00|future|fields|")
	if err != nil {
		t.Fatalf("ParseAck: %s", err)
	}
	if token == nil || token.Type != EntityAsset {
		t.Fatalf("extra fields should be ignored, got %+v", token)
	}
}

func TestMilestoneTokens(t *testing.T) {
	t.Log("Reset milestone.")
	token, err := ParseAck(FormatMilestoneAck(EntitySyncReset, MilestoneReset))
	if err != nil || token == nil {
		t.Fatalf("ParseAck reset: %v %s", token, err)
	}
	if !token.IsMilestone() || token.Milestone != MilestoneReset {
		t.Fatalf("reset milestone: got %+v", token)
	}

	t.Log("Backfill-complete milestone.")
	token, err = ParseAck(FormatMilestoneAck(EntityPartnerAssetBackfill, MilestoneBackfillComplete))
	if err != nil || token == nil {
		t.Fatalf("ParseAck backfill-complete: %v %s", token, err)
	}
	if token.Milestone != MilestoneBackfillComplete {
		t.Fatalf("backfill milestone: got %+v", token)
	}
	if token.Phase() != 0 {
		t.Fatalf("backfill-complete is not a phase milestone")
	}

	t.Log("Phase-transition milestones decode their phase.")
	token, err = ParseAck(FormatPhaseAck(EntityPartnerAsset, PhaseCreate))
	if err != nil || token == nil {
		t.Fatalf("ParseAck phase: %v %s", token, err)
	}
	if token.Phase() != PhaseCreate {
		t.Fatalf("phase: got %v want %v", token.Phase(), PhaseCreate)
	}
	if !strings.HasPrefix(token.Milestone, "phase-") {
		t.Fatalf("milestone text: got %q", token.Milestone)
	}
}

func TestParseAckAcceptsZuluTime(t *testing.T) {
	// We always render "+00:00" but clients echoing hand-built tokens may
	// send "Z"; both must parse to the same instant.
	a, err := ParseAck("AssetV1|2025-03-14T09:26:53.589793Z|")
	if err != nil || a == nil {
		t.Fatalf("ParseAck zulu: %v %s", a, err)
	}
	b, _ := ParseAck("AssetV1|2025-03-14T09:26:53.589793+00:00|")
	if !a.Marker.Equal(b.Marker) {
		t.Fatalf("zulu and offset forms differ: %v vs %v", a.Marker, b.Marker)
	}
}
