package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var ctxData ctx = "sync_adapter_data"

// logging metadata for a single stream or ack request
type data struct {
	sessionID  string
	subject    string
	numEvents  int
	numTypes   int
	numAcks    int
	reset      bool
	requestID  string
}

// prepare a request context so it can carry sync request info for logging
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numEvents: -1,
		numTypes:  -1,
		numAcks:   -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetRequestContextSession attaches the resolved session to this request context.
// Needs to have called RequestContext first.
func SetRequestContextSession(ctx context.Context, sessionID, subject string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.sessionID = sessionID
	da.subject = subject
}

func SetRequestContextRequestID(ctx context.Context, requestID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.requestID = requestID
}

func SetRequestContextStreamInfo(ctx context.Context, numEvents, numTypes int, reset bool) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numEvents = numEvents
	da.numTypes = numTypes
	da.reset = reset
}

func SetRequestContextAckInfo(ctx context.Context, numAcks int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numAcks = numAcks
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.requestID != "" {
		l = l.Str("rid", da.requestID)
	}
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.subject != "" {
		l = l.Str("u", da.subject)
	}
	if da.numEvents >= 0 {
		l = l.Int("ev", da.numEvents)
	}
	if da.numTypes >= 0 {
		l = l.Int("ty", da.numTypes)
	}
	if da.numAcks >= 0 {
		l = l.Int("ack", da.numAcks)
	}
	if da.reset {
		l = l.Bool("reset", true)
	}
	return l
}
