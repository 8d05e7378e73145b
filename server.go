package adapter

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gumnut-photos/immich-adapter/handler"
	"github.com/gumnut-photos/immich-adapter/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version = ""

// ConfigureTracing sets up the OTLP trace exporter. Basic auth credentials,
// if any, come from the environment so they stay out of process listings.
func ConfigureTracing(otlpURL string) error {
	return internal.ConfigureOTLP(otlpURL, os.Getenv("ADAPTER_OTLP_USER"), os.Getenv("ADAPTER_OTLP_PASS"), Version)
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-Device-Class, X-Device-OS, X-App-Version")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// requestID tags every request with a fresh ULID, in the response header and
// in the log context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := ulid.Make().String()
		ctx := internal.RequestContext(req.Context())
		internal.SetRequestContextRequestID(ctx, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// RunServer wires the routes and blocks serving them.
func RunServer(h *handler.SyncHandler, bindAddr string, enablePrometheus bool) {
	r := mux.NewRouter()
	r.Handle("/api/sync/stream", allowCORS(http.HandlerFunc(h.Stream))).Methods("POST", "OPTIONS")
	r.Handle("/api/sync/ack", allowCORS(http.HandlerFunc(h.GetAck))).Methods("GET")
	r.Handle("/api/sync/ack", allowCORS(http.HandlerFunc(h.PostAck))).Methods("POST", "OPTIONS")
	r.Handle("/api/sync/ack", allowCORS(http.HandlerFunc(h.DeleteAck))).Methods("DELETE")
	r.Handle("/api/sync/delta-sync", allowCORS(http.HandlerFunc(h.DeltaSync))).Methods("POST", "OPTIONS")
	r.Handle("/api/sync/full-sync", allowCORS(http.HandlerFunc(h.FullSync))).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/sync/notifications", h.Notifications).Methods("GET")
	r.Handle("/api/sessions", allowCORS(http.HandlerFunc(h.ListSessions))).Methods("GET")
	r.Handle("/api/sessions", allowCORS(http.HandlerFunc(h.DeleteSessions))).Methods("DELETE", "OPTIONS")
	r.Handle("/api/sessions/{sessionID}", allowCORS(http.HandlerFunc(h.DeleteSession))).Methods("DELETE", "OPTIONS")
	r.Handle("/api/sessions/{sessionID}/reset", allowCORS(http.HandlerFunc(h.RequestReset))).Methods("POST", "OPTIONS")
	if enablePrometheus {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			requestID,
			hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
				if req.URL.Path == "/metrics" {
					return
				}
				entry := hlog.FromRequest(req).Info().
					Str("method", req.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", req.URL.Path)
				internal.DecorateLogger(req.Context(), entry).Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "immich-adapter")
			},
		},
		final: r,
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
