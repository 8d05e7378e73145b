// Package handler exposes the sync protocol over HTTP: the jsonlines stream
// endpoint, the ack endpoints, session management and the hint websocket.
package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/gumnut-photos/immich-adapter/internal"
	"github.com/gumnut-photos/immich-adapter/notifier"
	"github.com/gumnut-photos/immich-adapter/store"
	"github.com/gumnut-photos/immich-adapter/syncstream"
	"github.com/gumnut-photos/immich-adapter/upstream"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	sessionCacheTTL = 5 * time.Minute
	// Acks arrive continuously while a client applies a stream; the limit only
	// exists to stop a looping client from hammering the checkpoint store.
	ackRatePerSecond = 10
	ackBurst         = 30
)

type SyncHandler struct {
	Storage  *store.Storage
	Engine   *syncstream.Engine
	Acks     *syncstream.Processor
	Upstream upstream.Client
	Notifier *notifier.Notifier

	// credential-hash -> session, so the common case (same device, same
	// credential) skips the subject scan and credential decrypt.
	sessionCache *ttlcache.Cache[string, *store.Session]
	ackLimiters  *ttlcache.Cache[string, *rate.Limiter]
}

func NewSyncHandler(storage *store.Storage, engine *syncstream.Engine, acks *syncstream.Processor, client upstream.Client, notif *notifier.Notifier) *SyncHandler {
	h := &SyncHandler{
		Storage:  storage,
		Engine:   engine,
		Acks:     acks,
		Upstream: client,
		Notifier: notif,
		sessionCache: ttlcache.New[string, *store.Session](
			ttlcache.WithTTL[string, *store.Session](sessionCacheTTL),
		),
		ackLimiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Hour),
		),
	}
	go h.sessionCache.Start()
	go h.ackLimiters.Start()
	return h
}

func (h *SyncHandler) Teardown() {
	h.sessionCache.Stop()
	h.ackLimiters.Stop()
}

func credentialKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// credentialClaims reads the subject and expiry out of the bearer JWT without
// verifying its signature. The backend is the verifier; WhoAmI is what proves
// the credential is still good.
func credentialClaims(credential string) (subject string, expiresAt *time.Time, err error) {
	token, _, err := jwt.NewParser().ParseUnverified(credential, jwt.MapClaims{})
	if err != nil {
		return "", nil, err
	}
	subject, err = token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", nil, errors.New("credential has no subject claim")
	}
	if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		expiresAt = &t
	}
	return subject, expiresAt, nil
}

func bearerToken(req *http.Request) string {
	const prefix = "Bearer "
	auth := req.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// resolveSession maps the bearer credential to its session, creating one on
// first contact. A rotated credential re-binds to the device's existing
// session instead of minting a new one, which is what keeps checkpoints alive
// across token refreshes.
func (h *SyncHandler) resolveSession(req *http.Request) (*store.Session, *internal.HandlerError) {
	credential := bearerToken(req)
	if credential == "" {
		return nil, &internal.HandlerError{
			StatusCode: 401,
			Err:        errors.New("missing Authorization bearer credential"),
		}
	}
	key := credentialKey(credential)
	if item := h.sessionCache.Get(key); item != nil {
		session := item.Value()
		internal.SetRequestContextSession(req.Context(), session.ID, session.Subject)
		return session, nil
	}

	subject, expiresAt, err := credentialClaims(credential)
	if err != nil {
		return nil, &internal.HandlerError{StatusCode: 401, Err: err}
	}
	sessions, err := h.Storage.Sessions.SelectBySubject(subject)
	if err != nil {
		return nil, &internal.HandlerError{StatusCode: 500, Err: err}
	}

	deviceClass := req.Header.Get("X-Device-Class")
	deviceOS := req.Header.Get("X-Device-OS")
	appVersion := req.Header.Get("X-App-Version")

	// Exact credential match first, then same-device rebind for a rotated
	// credential, then a brand new session.
	var rebind *store.Session
	for i := range sessions {
		s := &sessions[i]
		if s.Credential == credential {
			h.sessionCache.Set(key, s, ttlcache.DefaultTTL)
			internal.SetRequestContextSession(req.Context(), s.ID, s.Subject)
			return s, nil
		}
		if rebind == nil && deviceClass != "" && s.DeviceClass == deviceClass && s.DeviceOS == deviceOS {
			rebind = s
		}
	}

	// Unknown credential: make the backend vouch for it before we persist it.
	account, err := h.Upstream.WhoAmI(req.Context(), credential)
	if err != nil {
		if errors.Is(err, upstream.HTTP401) {
			return nil, &internal.HandlerError{StatusCode: 401, Err: err}
		}
		return nil, &internal.HandlerError{StatusCode: 502, Err: err}
	}
	if account.ID != subject {
		logger.Warn().Str("claim_subject", subject).Str("account_id", account.ID).
			Msg("credential subject claim does not match backend account")
		subject = account.ID
	}

	var session *store.Session
	if rebind != nil {
		if err := h.Storage.Sessions.UpdateCredential(rebind.ID, credential); err != nil {
			return nil, &internal.HandlerError{StatusCode: 500, Err: err}
		}
		rebind.Credential = credential
		session = rebind
		logger.Info().Str("session_id", session.ID).Msg("rebound session to rotated credential")
	} else {
		session, err = h.Storage.CreateSession(credential, subject, deviceClass, deviceOS, appVersion, expiresAt)
		if err != nil {
			return nil, &internal.HandlerError{StatusCode: 500, Err: err}
		}
		logger.Info().Str("session_id", session.ID).Str("subject", subject).Msg("created session")
	}
	h.sessionCache.Set(key, session, ttlcache.DefaultTTL)
	internal.SetRequestContextSession(req.Context(), session.ID, session.Subject)
	return session, nil
}

func (h *SyncHandler) ackLimiter(sessionID string) *rate.Limiter {
	if item := h.ackLimiters.Get(sessionID); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(rate.Limit(ackRatePerSecond), ackBurst)
	h.ackLimiters.Set(sessionID, limiter, ttlcache.DefaultTTL)
	return limiter
}

func writeError(w http.ResponseWriter, req *http.Request, herr *internal.HandlerError) {
	hlog.FromRequest(req).Err(herr.Err).Int("status", herr.StatusCode).Msg("request failed")
	if herr.StatusCode >= 500 {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(herr.Err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func readJSON(req *http.Request, v interface{}) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// PostAck handles POST /api/sync/ack. Returns 204 on success; an unknown
// entity type in any token rejects the whole batch with 400.
func (h *SyncHandler) PostAck(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	if !h.ackLimiter(session.ID).Allow() {
		writeError(w, req, &internal.HandlerError{
			StatusCode: 429,
			Err:        errors.New("too many ack requests"),
		})
		return
	}
	var body struct {
		Acks []string `json:"acks"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 400, Err: err})
		return
	}
	if err := h.Acks.Process(req.Context(), session, body.Acks); err != nil {
		status := 500
		switch {
		case errors.Is(err, syncstream.ErrUnknownAckType):
			status = 400
		case errors.Is(err, syncstream.ErrSessionRevoked):
			// The cached resolution is stale; drop it so the next request
			// re-authenticates against the backend.
			h.sessionCache.Delete(credentialKey(bearerToken(req)))
			status = 401
		}
		writeError(w, req, &internal.HandlerError{StatusCode: status, Err: err})
		return
	}
	w.WriteHeader(204)
}

// GetAck handles GET /api/sync/ack: the session's stored checkpoints, each
// rendered back as the ack token that produced it. Rows holding only
// milestones have no timestamp marker and are omitted.
func (h *SyncHandler) GetAck(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	checkpoints, err := h.Storage.Checkpoints.SelectAll(session.ID)
	if err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	type ackDTO struct {
		Type string `json:"type"`
		Ack  string `json:"ack"`
	}
	acks := make([]ackDTO, 0, len(checkpoints))
	for entityType, cp := range checkpoints {
		if cp.Marker.IsZero() {
			continue
		}
		acks = append(acks, ackDTO{
			Type: entityType,
			Ack:  syncstream.FormatAck(syncstream.EntityType(entityType), cp.Marker),
		})
	}
	// map iteration order is random; keep the response stable for clients
	slices.SortFunc(acks, func(a, b ackDTO) int {
		return strings.Compare(a.Type, b.Type)
	})
	writeJSON(w, 200, acks)
}

// DeleteAck handles DELETE /api/sync/ack. A body naming types deletes those
// checkpoints; no body (or a null list) deletes all of them; an explicitly
// empty list is a no-op.
func (h *SyncHandler) DeleteAck(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	var body struct {
		Types []string `json:"types"`
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, req, &internal.HandlerError{StatusCode: 400, Err: err})
			return
		}
	}
	for _, t := range body.Types {
		if !syncstream.ValidEntityType(t) {
			writeError(w, req, &internal.HandlerError{
				StatusCode: 400,
				Err:        errors.New("unknown entity type " + t),
			})
			return
		}
	}
	var err error
	switch {
	case body.Types == nil:
		err = h.Storage.Checkpoints.DeleteAll(session.ID)
	case len(body.Types) == 0:
		// explicit empty list, nothing to do
	default:
		err = h.Storage.Checkpoints.Delete(session.ID, body.Types)
	}
	if err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 500, Err: err})
		return
	}
	w.WriteHeader(204)
}

// Notifications handles GET /api/sync/notifications: a websocket carrying
// hints whenever another device of the same account commits progress.
func (h *SyncHandler) Notifications(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	h.Notifier.ServeSubscriber(w, req, session.Subject, session.ID)
}
