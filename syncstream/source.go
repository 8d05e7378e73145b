package syncstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gumnut-photos/immich-adapter/store"
)

// Query is one page request against the entity source. Since is the exclusive
// lower bound (zero time means beginning of time); Until is the inclusive
// upper bound, always the snapshot time captured once per stream request.
type Query struct {
	Request RequestType
	Phase   Phase
	Since   time.Time
	Until   time.Time
	Cursor  string // opaque page cursor from the previous Page, "" for the first page
	Limit   int
}

// Record is one changed or deleted entity. Type is the wire-level event type
// (upsert, delete or backfill variant). Deletes carry only identifying keys in
// Data, never a full record body.
type Record struct {
	Type      EntityType
	ID        string
	UpdatedAt time.Time
	Data      json.RawMessage
}

// Page is one page of records, ordered by (UpdatedAt, ID). That pair is a
// total order (IDs are unique) and must be stable: two pages may never observe
// a different relative order for the same two records.
type Page struct {
	Records []Record
	Cursor  string
	HasMore bool
}

// Source is the entity source adapter boundary. Implementations return
// changed/deleted records for one entity type bounded by (Since, Until],
// ordered by (UpdatedAt, ID).
type Source interface {
	Changes(ctx context.Context, q Query) (*Page, error)
}

// SourceProvider binds a Source to one session's upstream credential.
type SourceProvider interface {
	SourceFor(session *store.Session) Source
}
