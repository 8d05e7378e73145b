package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/gumnut-photos/immich-adapter/internal"
	"github.com/gumnut-photos/immich-adapter/upstream"
)

// The pre-stream sync endpoints. Older clients poll these instead of holding
// a stream; they only cover assets and carry no checkpoints, so every
// response is computed from scratch against the backend change feed.

const legacyPageSize = 100

// DeltaSync handles POST /api/sync/delta-sync: assets changed after a client
// supplied timestamp. A backend failure is reported as needsFullSync so the
// client falls back rather than silently missing changes.
func (h *SyncHandler) DeltaSync(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	var body struct {
		UpdatedAfter time.Time `json:"updatedAfter"`
	}
	if err := readJSON(req, &body); err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 400, Err: err})
		return
	}

	type deltaResponse struct {
		Deleted       []string          `json:"deleted"`
		Upserted      []json.RawMessage `json:"upserted"`
		NeedsFullSync bool              `json:"needsFullSync"`
	}
	resp := deltaResponse{Deleted: []string{}, Upserted: []json.RawMessage{}}

	now := time.Now().UTC()
	cursor := ""
	for {
		page, err := h.Upstream.Events(req.Context(), session.Credential, upstream.EventsQuery{
			Resource:      "asset",
			UpdatedAfter:  body.UpdatedAfter,
			CreatedBefore: now,
			AfterCursor:   cursor,
			Limit:         legacyPageSize,
		})
		if err != nil {
			hlog.FromRequest(req).Err(err).Msg("delta sync backend failure")
			resp = deltaResponse{Deleted: []string{}, Upserted: []json.RawMessage{}, NeedsFullSync: true}
			writeJSON(w, 200, resp)
			return
		}
		var upsertIDs []string
		for _, ev := range page.Events {
			if ev.EventType == "deleted" {
				resp.Deleted = append(resp.Deleted, ev.EntityID)
			} else {
				upsertIDs = append(upsertIDs, ev.EntityID)
			}
		}
		if len(upsertIDs) > 0 {
			entities, err := h.Upstream.Entities(req.Context(), session.Credential, "asset", upsertIDs)
			if err != nil {
				hlog.FromRequest(req).Err(err).Msg("delta sync entity fetch failure")
				resp = deltaResponse{Deleted: []string{}, Upserted: []json.RawMessage{}, NeedsFullSync: true}
				writeJSON(w, 200, resp)
				return
			}
			for _, id := range upsertIDs {
				if raw, ok := entities[id]; ok {
					resp.Upserted = append(resp.Upserted, json.RawMessage(raw))
				}
			}
		}
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		cursor = page.Events[len(page.Events)-1].Cursor
	}
	writeJSON(w, 200, resp)
}

// FullSync handles POST /api/sync/full-sync: one page of the full asset list
// for legacy timeline clients, paginated by the last asset ID of the previous
// page.
func (h *SyncHandler) FullSync(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	var body struct {
		Limit        int       `json:"limit"`
		LastID       string    `json:"lastId"`
		UpdatedUntil time.Time `json:"updatedUntil"`
	}
	if err := readJSON(req, &body); err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 400, Err: err})
		return
	}
	if body.Limit <= 0 || body.Limit > 1000 {
		body.Limit = legacyPageSize
	}
	until := body.UpdatedUntil
	if until.IsZero() {
		until = time.Now().UTC()
	}

	assets := []json.RawMessage{}
	skipping := body.LastID != ""
	cursor := ""
	for len(assets) < body.Limit {
		page, err := h.Upstream.Events(req.Context(), session.Credential, upstream.EventsQuery{
			Resource:      "asset",
			CreatedBefore: until,
			AfterCursor:   cursor,
			Limit:         legacyPageSize,
		})
		if err != nil {
			writeError(w, req, &internal.HandlerError{StatusCode: 502, Err: err})
			return
		}
		var ids []string
		for _, ev := range page.Events {
			if ev.EventType == "deleted" {
				continue
			}
			if skipping {
				if ev.EntityID == body.LastID {
					skipping = false
				}
				continue
			}
			ids = append(ids, ev.EntityID)
		}
		if len(ids) > 0 {
			entities, err := h.Upstream.Entities(req.Context(), session.Credential, "asset", ids)
			if err != nil {
				writeError(w, req, &internal.HandlerError{StatusCode: 502, Err: err})
				return
			}
			for _, id := range ids {
				if raw, ok := entities[id]; ok {
					assets = append(assets, json.RawMessage(raw))
					if len(assets) == body.Limit {
						break
					}
				}
			}
		}
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		cursor = page.Events[len(page.Events)-1].Cursor
	}
	writeJSON(w, 200, assets)
}
