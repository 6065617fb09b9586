// Package http serves the device and observer websockets, the management API and the health endpoints.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/credential"
	"github.com/autopeer-io/fleettrack/internal/trackhub/protocol"
	"github.com/autopeer-io/fleettrack/internal/trackhub/registry"
	"github.com/autopeer-io/fleettrack/internal/trackhub/session"
	"github.com/autopeer-io/fleettrack/pkg/log"
	"github.com/autopeer-io/fleettrack/pkg/options"
)

// Sessions runs websocket connections once they are upgraded.
type Sessions interface {
	ServeDevice(ctx context.Context, conn session.Conn, codec protocol.Codec) error
	ServeObserver(ctx context.Context, conn session.Conn, codec protocol.Codec) error
}

// Credentials is the issuance and revocation surface exposed to operators.
type Credentials interface {
	Issue(ctx context.Context, unitID, deviceID string, ttl time.Duration, revokeExisting bool) (*credential.Issued, error)
	Revoke(ctx context.Context, secret string) (int, error)
	RevokeAllForDevice(ctx context.Context, unitID, deviceID string) (int, error)
}

// Deps are the collaborators the HTTP server routes requests to.
type Deps struct {
	Sessions    Sessions
	Credentials Credentials
	Store       core.Store
	Registry    *registry.Registry
}

type Server struct {
	server   *http.Server
	options  *options.HttpOptions
	deps     Deps
	upgrader websocket.Upgrader
	logger   log.Logger
}

func NewServer(opts *options.HttpOptions, deps Deps) *Server {
	s := &Server{
		options: opts,
		deps:    deps,
		logger:  log.WithName("http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: opts.Timeout,
	}
	return s
}

// Handler returns the routed handler, CORS included.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ws/device", s.serveDevice).Methods(http.MethodGet)
	r.HandleFunc("/ws/observer", s.serveObserver).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestTimeout)
	api.HandleFunc("/credentials", s.issueCredential).Methods(http.MethodPost)
	api.HandleFunc("/credentials/revoke", s.revokeCredential).Methods(http.MethodPost)
	api.HandleFunc("/units/{unitID}/devices/{deviceID}/credentials", s.revokeDeviceCredentials).Methods(http.MethodDelete)
	api.HandleFunc("/units/{unitID}/events", s.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/units/{unitID}/samples", s.listSamples).Methods(http.MethodGet)
	api.HandleFunc("/events/{eventID}", s.getEvent).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.sessions).Methods(http.MethodGet)

	return s.cors(r)
}

func (s *Server) Start(ctx context.Context) error {
	// Sessions run on hijacked connections that Shutdown does not track; deriving every
	// request context from ctx ends them when the hub stops.
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	ln, err := net.Listen(s.options.Network, s.options.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting HTTP Server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		if s.deps.Registry != nil {
			s.deps.Registry.CloseAll()
		}
		s.logger.Info("HTTP Server stopped")
		return err
	}
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveDevice(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, "device", s.deps.Sessions.ServeDevice)
}

func (s *Server) serveObserver(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, "observer", s.deps.Sessions.ServeObserver)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, kind string,
	serve func(context.Context, session.Conn, protocol.Codec) error) {
	codec, err := protocol.ForName(r.URL.Query().Get("encoding"))
	if err != nil {
		writeError(w, core.Validationf("%v", err))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.logger.Debug("Websocket upgrade failed", "kind", kind, "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := newWSConn(ws, codec.Binary(), s.options.WriteTimeout, s.options.MaxFrameBytes)
	if err := serve(r.Context(), conn, codec); err != nil {
		s.logger.Info("Session ended", "kind", kind, "remote", r.RemoteAddr, "reason", err.Error())
	}
}

// originAllowed accepts requests without an Origin header, which devices never send.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.options.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.options.AllowedOrigins, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.options.Timeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.options.Timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
