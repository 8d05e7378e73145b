package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/sjson"

	"github.com/gumnut-photos/immich-adapter/internal"
	"github.com/gumnut-photos/immich-adapter/syncstream"
)

const jsonlinesContentType = "application/jsonlines+json"

// Stream handles POST /api/sync/stream. The response is jsonlines: one JSON
// object per line with type, data and ack fields, flushed as produced so the
// client can apply records while the stream is still running.
func (h *SyncHandler) Stream(w http.ResponseWriter, req *http.Request) {
	session, herr := h.resolveSession(req)
	if herr != nil {
		writeError(w, req, herr)
		return
	}
	// The cached copy can be minutes old; a pending-reset flag set since then
	// must take effect on this stream, so re-read the row.
	if fresh, err := h.Storage.Sessions.Select(session.ID); err == nil && fresh != nil {
		session = fresh
	}

	var body syncstream.Request
	if err := readJSON(req, &body); err != nil {
		writeError(w, req, &internal.HandlerError{StatusCode: 400, Err: err})
		return
	}
	if len(body.Types) == 0 {
		writeError(w, req, &internal.HandlerError{
			StatusCode: 400,
			Err:        errors.New("request names no types"),
		})
		return
	}
	for _, t := range body.Types {
		if !syncstream.ValidRequestType(string(t)) {
			writeError(w, req, &internal.HandlerError{
				StatusCode: 400,
				Err:        errors.New("unknown request type " + string(t)),
			})
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, req, &internal.HandlerError{
			StatusCode: 500,
			Err:        errors.New("response writer does not support streaming"),
		})
		return
	}
	w.Header().Set("Content-Type", jsonlinesContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(200)

	wroteAny := false
	emit := func(ev syncstream.Event) error {
		line, err := encodeLine(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		flusher.Flush()
		wroteAny = true
		return nil
	}
	if err := h.Engine.Stream(req.Context(), session, &body, emit); err != nil {
		// Status is already on the wire; all we can do is log and, if we
		// managed to write anything, append an error line so the client knows
		// the stream is truncated rather than complete.
		hlog.FromRequest(req).Err(err).Msg("stream aborted")
		if wroteAny {
			if line, encErr := errorLine(); encErr == nil {
				w.Write(line)
				flusher.Flush()
			}
		}
		return
	}
	if _, err := h.Storage.Sessions.Touch(session.ID, time.Now().UTC()); err != nil {
		hlog.FromRequest(req).Err(err).Msg("failed to touch session after stream")
	}
}

// encodeLine renders one stream event as a jsonlines line. Data passes
// through verbatim; marker events get an empty object.
func encodeLine(ev syncstream.Event) ([]byte, error) {
	line, err := sjson.SetBytes([]byte(`{}`), "type", string(ev.Type))
	if err != nil {
		return nil, err
	}
	data := ev.Data
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	if line, err = sjson.SetRawBytes(line, "data", data); err != nil {
		return nil, err
	}
	if line, err = sjson.SetBytes(line, "ack", ev.Ack); err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func errorLine() ([]byte, error) {
	line, err := sjson.SetBytes([]byte(`{}`), "type", "Error")
	if err != nil {
		return nil, err
	}
	if line, err = sjson.SetRawBytes(line, "data", []byte(`{"message":"internal sync error"}`)); err != nil {
		return nil, err
	}
	if line, err = sjson.SetBytes(line, "ack", ""); err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
