package connectorsync

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version is the build version, stamped via -ldflags at release time.
var Version = "dev"

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
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Router assembles the HTTP routes for the sync API. Exposed separately from
// RunServer so tests can drive it via httptest.
func Router(api *SyncAPI) http.Handler {
	r := mux.NewRouter()
	r.Handle("/api/sync", allowCORS(http.HandlerFunc(api.ServeSync))).Methods("POST", "OPTIONS")
	r.Handle("/api/status", allowCORS(http.HandlerFunc(api.ServeStatus))).Methods("GET", "OPTIONS")
	r.Handle("/api/stop", allowCORS(http.HandlerFunc(api.ServeStop))).Methods("POST", "OPTIONS")
	r.Handle("/api/connections", allowCORS(http.HandlerFunc(api.ServeUpsertConnection))).Methods("POST")
	r.Handle("/api/connections", allowCORS(http.HandlerFunc(api.ServeDeactivateConnection))).Methods("DELETE")
	// preflight for the POST/DELETE pair above
	r.Handle("/api/connections", allowCORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))).Methods("OPTIONS")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// RunServer is the main entry point to the sync service. Blocks forever.
func RunServer(api *SyncAPI, bindAddr string) {
	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: Router(api),
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
