// Package notifier fans out "new data committed" hints to a subject's other
// connected devices over websockets. Hints are advisory: a device reacts by
// issuing a normal stream request, so a dropped hint costs latency, never
// correctness.
package notifier

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 70 * time.Second
	// sendBuffer bounds per-subscriber queueing; a subscriber that cannot
	// drain loses hints rather than stalling the committer.
	sendBuffer = 16
)

// Hint tells a device that checkpoints advanced for some wire types.
type Hint struct {
	Types   []string  `json:"types"`
	AckedAt time.Time `json:"ackedAt"`
}

type subscriber struct {
	id      string
	session string
	send    chan Hint
}

// Notifier is the in-process broadcast registry, keyed by subject so hints
// never cross account boundaries.
type Notifier struct {
	mu          sync.Mutex
	bySubject   map[string]map[*subscriber]struct{}
	upgrader    websocket.Upgrader
	connections prometheus.Gauge
	hintsSent   prometheus.Counter
}

func New() *Notifier {
	return &Notifier{
		bySubject: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// AddPrometheusMetrics registers connection metrics. Call at most once.
func (n *Notifier) AddPrometheusMetrics() {
	n.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "immich_adapter",
		Subsystem: "notifier",
		Name:      "connections",
		Help:      "Number of connected hint websockets",
	})
	n.hintsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "immich_adapter",
		Subsystem: "notifier",
		Name:      "hints_total",
		Help:      "Number of hints delivered to subscribers",
	})
	prometheus.MustRegister(n.connections, n.hintsSent)
}

// Broadcast queues a hint for every device of the subject except the one that
// produced the commit, identified by its session ID.
func (n *Notifier) Broadcast(subject, originSessionID string, types []string) {
	hint := Hint{Types: types, AckedAt: time.Now().UTC()}
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.bySubject[subject] {
		if sub.session == originSessionID {
			continue
		}
		select {
		case sub.send <- hint:
			if n.hintsSent != nil {
				n.hintsSent.Inc()
			}
		default:
			logger.Warn().Str("subscriber", sub.id).Msg("dropping hint, subscriber not draining")
		}
	}
}

// ServeSubscriber upgrades the request and pumps hints until the client goes
// away. Blocks for the lifetime of the connection.
func (n *Notifier) ServeSubscriber(w http.ResponseWriter, r *http.Request, subject, sessionID string) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := &subscriber{
		id:      ulid.Make().String(),
		session: sessionID,
		send:    make(chan Hint, sendBuffer),
	}
	n.attach(subject, sub)
	defer n.detach(subject, sub)
	logger.Info().Str("subscriber", sub.id).Str("session_id", sessionID).Msg("hint subscriber connected")

	// Reader exists only to process control frames and notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer conn.Close()
	for {
		select {
		case hint := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(hint); err != nil {
				logger.Debug().Str("subscriber", sub.id).Err(err).Msg("hint write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (n *Notifier) attach(subject string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bySubject[subject] == nil {
		n.bySubject[subject] = make(map[*subscriber]struct{})
	}
	n.bySubject[subject][sub] = struct{}{}
	if n.connections != nil {
		n.connections.Inc()
	}
}

func (n *Notifier) detach(subject string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.bySubject[subject], sub)
	if len(n.bySubject[subject]) == 0 {
		delete(n.bySubject, subject)
	}
	if n.connections != nil {
		n.connections.Dec()
	}
}
