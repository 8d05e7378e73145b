package syncstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gumnut-photos/immich-adapter/internal"
	"github.com/gumnut-photos/immich-adapter/store"
)

// DefaultPageSize is how many records we pull from the entity source per page.
const DefaultPageSize = 500

// Event is one line of a stream response. Data is nil for payload-less marker
// events (reset, phase-transition, backfill-complete, completion).
type Event struct {
	Type EntityType
	Data json.RawMessage
	Ack  string
}

// Request is one client stream request.
type Request struct {
	Reset bool          `json:"reset"`
	Types []RequestType `json:"types"`
}

type Config struct {
	PageSize int
	// StaleHorizon bounds how old a session's checkpoints may be before the
	// engine forces a full resync: beyond it the upstream can no longer prove
	// what was deleted. 0 disables the check.
	StaleHorizon time.Duration
}

// Engine produces, for one stream request, the ordered sequence of sync
// events. It only ever reads checkpoints; committing progress is the ack
// processor's job, which is what makes an aborted stream harmless.
type Engine struct {
	storage *store.Storage
	sources SourceProvider
	cfg     Config

	eventsStreamed *prometheus.CounterVec
	streamDuration prometheus.Histogram
}

func NewEngine(storage *store.Storage, sources SourceProvider, cfg Config) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Engine{
		storage: storage,
		sources: sources,
		cfg:     cfg,
	}
}

// AddPrometheusMetrics registers stream metrics. Call at most once.
func (e *Engine) AddPrometheusMetrics() {
	e.eventsStreamed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "immich_adapter",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Number of sync events streamed, by wire entity type",
	}, []string{"entity_type"})
	e.streamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "immich_adapter",
		Subsystem: "stream",
		Name:      "duration_seconds",
		Help:      "Duration of one stream request",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300},
	})
	prometheus.MustRegister(e.eventsStreamed, e.streamDuration)
}

// Stream generates the event sequence for one request, calling emit for each
// event in order. It advances page-by-page: if emit blocks (transport not
// draining), no further pages are pulled. An error from the source or from
// emit terminates the stream without a completion event; the client's next
// request resumes from its last acknowledged markers.
func (e *Engine) Stream(ctx context.Context, session *store.Session, req *Request, emit func(Event) error) error {
	ctx, span := internal.StartSpan(ctx, "SyncStream")
	defer span.End()
	start := time.Now()
	// One upper bound for every entity type in this request. Without this, a
	// record created mid-stream could be missed by an early type's query yet
	// included by a late one, giving the client an inconsistent cross-type view.
	snapshot := start.UTC()

	checkpoints, err := e.storage.Checkpoints.SelectAll(session.ID)
	if err != nil {
		// A store failure must fail the request. Continuing with "no
		// checkpoints" would silently full-resync the client.
		return fmt.Errorf("load checkpoints: %w", err)
	}

	reset := req.Reset || session.PendingReset || e.tooStale(checkpoints, snapshot)
	if reset {
		internal.Logf(ctx, "stream", "resetting session %s: requested=%v pending=%v", session.ID, req.Reset, session.PendingReset)
		if err := emit(Event{Type: EntitySyncReset, Ack: FormatMilestoneAck(EntitySyncReset, MilestoneReset)}); err != nil {
			return err
		}
		// Cleared for the duration of this request only. The stored rows
		// survive until the client acknowledges the reset through the ack
		// path, so an aborted reset stream replays identically next time.
		checkpoints = nil
	}

	requested := make(map[RequestType]struct{}, len(req.Types))
	for _, rt := range req.Types {
		requested[rt] = struct{}{}
	}

	numEvents := 0
	for _, cfg := range typeOrder {
		if _, ok := requested[cfg.Request]; !ok {
			continue
		}
		n, err := e.streamType(ctx, session, cfg, checkpoints, snapshot, emit)
		numEvents += n
		if err != nil {
			return err
		}
	}
	internal.SetRequestContextStreamInfo(ctx, numEvents, len(req.Types), reset)

	if err := emit(Event{Type: EntitySyncComplete, Ack: FormatAck(EntitySyncComplete, snapshot)}); err != nil {
		return err
	}
	if e.streamDuration != nil {
		e.streamDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (e *Engine) tooStale(checkpoints map[string]store.Checkpoint, now time.Time) bool {
	if e.cfg.StaleHorizon == 0 || len(checkpoints) == 0 {
		return false
	}
	cutoff := now.Add(-e.cfg.StaleHorizon)
	for _, cp := range checkpoints {
		if cp.RecordedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

func (e *Engine) streamType(ctx context.Context, session *store.Session, cfg TypeConfig, checkpoints map[string]store.Checkpoint, snapshot time.Time, emit func(Event) error) (int, error) {
	ctx, span := internal.StartSpan(ctx, "streamType "+string(cfg.Request))
	defer span.End()
	src := e.sources.SourceFor(session)

	var ms store.Milestones
	if cp, ok := checkpoints[string(cfg.Upsert)]; ok {
		decoded, err := cp.DecodeMilestones()
		if err != nil {
			return 0, fmt.Errorf("decode milestones for %s: %w", cfg.Upsert, err)
		}
		ms = decoded
	}
	backfillDone := false
	if cfg.Backfill != "" {
		if cp, ok := checkpoints[string(cfg.Backfill)]; ok {
			decoded, err := cp.DecodeMilestones()
			if err != nil {
				return 0, fmt.Errorf("decode milestones for %s: %w", cfg.Backfill, err)
			}
			backfillDone = decoded.BackfillComplete
		}
	}

	total := 0
	for i, phase := range cfg.Phases {
		// Resume at the last phase the client acknowledged entering; earlier
		// phases were already streamed in full before the transition marker.
		if ms.Phase != 0 && phase < Phase(ms.Phase) {
			continue
		}
		if phase == PhaseBackfill && backfillDone {
			continue
		}

		since := e.sinceFor(cfg, phase, checkpoints)
		// Later phases announce themselves before their first record so a
		// client that crashes mid-phase can resume at the right one.
		var preRecord func() error
		if i > 0 {
			marker := Event{Type: EntitySyncAck, Ack: FormatPhaseAck(cfg.Upsert, phase)}
			preRecord = func() error { return emit(marker) }
		}
		n, err := e.streamPhase(ctx, cfg, phase, since, snapshot, src, preRecord, emit)
		total += n
		if err != nil {
			return total, err
		}

		if phase == PhaseBackfill {
			// The partition's full history is now on the wire; the marker lets
			// the next request skip it entirely.
			ev := Event{Type: EntitySyncAck, Ack: FormatMilestoneAck(cfg.Backfill, MilestoneBackfillComplete)}
			if err := emit(ev); err != nil {
				return total, err
			}
		}
	}
	if total > 0 {
		logger.Debug().Str("type", string(cfg.Request)).Int("events", total).Msg("streamed entity type")
	}
	return total, nil
}

// sinceFor picks the exclusive lower bound for one phase. Update/create phases
// take the highest marker across the upsert and delete rows: the client acks
// whichever wire type its most recent event happened to be.
func (e *Engine) sinceFor(cfg TypeConfig, phase Phase, checkpoints map[string]store.Checkpoint) time.Time {
	if phase == PhaseBackfill {
		if cp, ok := checkpoints[string(cfg.Backfill)]; ok {
			return cp.Marker
		}
		return time.Time{}
	}
	var since time.Time
	if cp, ok := checkpoints[string(cfg.Upsert)]; ok {
		since = cp.Marker
	}
	if cfg.Delete != "" {
		if cp, ok := checkpoints[string(cfg.Delete)]; ok && cp.Marker.After(since) {
			since = cp.Marker
		}
	}
	return since
}

func (e *Engine) streamPhase(ctx context.Context, cfg TypeConfig, phase Phase, since, snapshot time.Time, src Source, preRecord func() error, emit func(Event) error) (count int, err error) {
	cursor := ""
	var lastUpdated time.Time
	var lastID string
	for {
		page, err := src.Changes(ctx, Query{
			Request: cfg.Request,
			Phase:   phase,
			Since:   since,
			Until:   snapshot,
			Cursor:  cursor,
			Limit:   e.cfg.PageSize,
		})
		if err != nil {
			return count, fmt.Errorf("source %s/%s: %w", cfg.Request, phase, err)
		}
		for _, rec := range page.Records {
			// The source contract bounds records by (since, snapshot]; enforce
			// it here so a misbehaving source cannot break snapshot
			// consistency or duplicate-free resumption.
			if rec.UpdatedAt.After(snapshot) {
				continue
			}
			if !since.IsZero() && !rec.UpdatedAt.After(since) {
				continue
			}
			if count > 0 {
				ordered := rec.UpdatedAt.After(lastUpdated) || (rec.UpdatedAt.Equal(lastUpdated) && rec.ID > lastID)
				internal.Assert("source records ordered by (updated_at, id)", ordered)
			}
			lastUpdated = rec.UpdatedAt
			lastID = rec.ID
			if count == 0 && preRecord != nil {
				if err := preRecord(); err != nil {
					return count, err
				}
			}
			ev := Event{
				Type: rec.Type,
				Data: rec.Data,
				Ack:  FormatAck(rec.Type, rec.UpdatedAt),
			}
			if err := emit(ev); err != nil {
				return count, err
			}
			count++
			if e.eventsStreamed != nil {
				e.eventsStreamed.WithLabelValues(string(rec.Type)).Inc()
			}
		}
		if !page.HasMore || page.Cursor == "" {
			return count, nil
		}
		cursor = page.Cursor
	}
}
