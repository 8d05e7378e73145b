package syncstream

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Ack token format: "<EntityType>|<marker>|"
// The marker is either an ISO-8601 timestamp with microsecond precision and a
// numeric timezone offset, or a milestone word for structural acks. The
// trailing delimiter reserves a third field; extra fields after it must be
// tolerated, never rejected.
const ackDelimiter = "|"

// markerTimeFormat renders UTC as "+00:00" rather than "Z", matching what
// clients echo back.
const markerTimeFormat = "2006-01-02T15:04:05.000000-07:00"

// Milestone markers carried in the timestamp slot of special ack tokens.
const (
	MilestoneReset            = "reset"
	MilestoneBackfillComplete = "backfill-complete"
	milestonePhasePrefix      = "phase-"
)

// ErrUnknownAckType is returned when an ack token names an entity type outside
// the catalogue. Unlike a merely malformed token (which is skipped), this is a
// client bug and fails the whole ack call.
var ErrUnknownAckType = errors.New("unknown ack entity type")

// AckToken is a parsed client acknowledgment. Exactly one of Marker (non-zero)
// or Milestone (non-empty) is set for a usable token; a token with neither
// carries no progress and is skipped.
type AckToken struct {
	Type      EntityType
	Marker    time.Time
	Milestone string
}

func (t AckToken) IsMilestone() bool {
	return t.Milestone != ""
}

// Phase decodes a phase-transition milestone, or 0 if this is not one.
func (t AckToken) Phase() Phase {
	switch strings.TrimPrefix(t.Milestone, milestonePhasePrefix) {
	case PhaseUpdate.String():
		return PhaseUpdate
	case PhaseCreate.String():
		return PhaseCreate
	}
	return 0
}

func (t AckToken) String() string {
	if t.Milestone != "" {
		return string(t.Type) + ackDelimiter + t.Milestone + ackDelimiter
	}
	return string(t.Type) + ackDelimiter + t.Marker.Format(markerTimeFormat) + ackDelimiter
}

// FormatAck builds the ack token for a record-bearing event.
func FormatAck(entityType EntityType, marker time.Time) string {
	return AckToken{Type: entityType, Marker: marker}.String()
}

// FormatMilestoneAck builds the ack token for a structural marker event.
func FormatMilestoneAck(entityType EntityType, milestone string) string {
	return AckToken{Type: entityType, Milestone: milestone}.String()
}

// FormatPhaseAck builds the phase-transition milestone token.
func FormatPhaseAck(entityType EntityType, phase Phase) string {
	return FormatMilestoneAck(entityType, milestonePhasePrefix+phase.String())
}

// ParseAck parses a client ack token. Returns ErrUnknownAckType if the entity
// type is outside the catalogue; returns (nil, nil) for tokens which are
// malformed in a skippable way (too few fields, empty or unparseable marker).
// Fields after the second delimiter are ignored.
func ParseAck(ack string) (*AckToken, error) {
	parts := strings.Split(ack, ackDelimiter)
	if len(parts) < 2 {
		logger.Warn().Str("ack", ack).Msg("skipping malformed ack: too few fields")
		return nil, nil
	}
	if !ValidEntityType(parts[0]) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAckType, parts[0])
	}
	token := &AckToken{Type: EntityType(parts[0])}

	marker := parts[1]
	if marker == "" {
		logger.Warn().Str("ack", ack).Msg("skipping ack with empty marker")
		return nil, nil
	}
	if marker == MilestoneReset || marker == MilestoneBackfillComplete || strings.HasPrefix(marker, milestonePhasePrefix) {
		token.Milestone = marker
		return token, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, marker)
	if err != nil {
		logger.Warn().Str("ack", ack).Msg("skipping ack with unparseable marker")
		return nil, nil
	}
	token.Marker = ts
	return token, nil
}
