package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gumnut-photos/immich-adapter/internal"
)

type sessionDTO struct {
	ID          string     `json:"id"`
	DeviceClass string     `json:"deviceClass"`
	DeviceOS    string     `json:"deviceOS"`
	AppVersion  string     `json:"appVersion"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Current     bool       `json:"current"`
}

// ListSessions handles GET /api/sessions: every session of the calling
// account, the caller's own marked current.
func (h *SyncHandler) ListSessions(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	sessions, err := h.Storage.Sessions.SelectBySubject(session.Subject)
	if err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	dtos := make([]sessionDTO, 0, len(sessions))
	for _, s := range sessions {
		dtos = append(dtos, sessionDTO{
			ID:          s.ID,
			DeviceClass: s.DeviceClass,
			DeviceOS:    s.DeviceOS,
			AppVersion:  s.AppVersion,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
			ExpiresAt:   s.ExpiresAt,
			Current:     s.ID == session.ID,
		})
	}
	writeJSON(w, 200, dtos)
}

// DeleteSession handles DELETE /api/sessions/{id}. Only the owning account
// may delete a session; deleting takes its checkpoints with it.
func (h *SyncHandler) DeleteSession(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	targetID := mux.Vars(req)["sessionID"]
	target, err := h.Storage.Sessions.Select(targetID)
	if err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	if target == nil || target.Subject != session.Subject {
		// Same response either way so session IDs cannot be enumerated.
		writeError(w, req, &internal.HandlerError{
			StatusCode: 404,
			Err:        errors.New("no such session"),
		})
		return
	}
	if _, err := h.Storage.DeleteSession(targetID); err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	// Without this a client deleting its own session keeps resolving from the
	// cache, and its acks would recreate checkpoint rows for the dead session.
	h.sessionCache.Delete(credentialKey(target.Credential))
	w.WriteHeader(204)
}

// DeleteSessions handles DELETE /api/sessions: logout everywhere.
func (h *SyncHandler) DeleteSessions(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	deleted, err := h.Storage.DeleteSessionsForSubject(session.Subject)
	if err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	// The cache still maps credentials to the dead sessions; drop everything
	// rather than hunting for the right keys.
	h.sessionCache.DeleteAll()
	logger.Info().Str("subject", session.Subject).Int("deleted", deleted).Msg("deleted all sessions for subject")
	w.WriteHeader(204)
}

// RequestReset handles POST /api/sessions/{id}/reset: flag a session so its
// next stream starts with a full resync. Admin and support tooling use this
// when a client's local state is known to be corrupt.
func (h *SyncHandler) RequestReset(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	targetID := mux.Vars(req)["sessionID"]
	target, err := h.Storage.Sessions.Select(targetID)
	if err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	if target == nil || target.Subject != session.Subject {
		writeError(w, req, &internal.HandlerError{
			StatusCode: 404,
			Err:        errors.New("no such session"),
		})
		return
	}
	if err := h.Storage.Sessions.SetPendingReset(targetID, true); err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	logger.Info().Str("session_id", targetID).Msg("flagged session for sync reset")
	w.WriteHeader(204)
}
