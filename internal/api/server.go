package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/worldgate/worldgate/internal/auth"
	"github.com/worldgate/worldgate/internal/dispatch"
)

// Server wraps the HTTP server and mux for the gateway API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(
	port int,
	authn *auth.Authenticator,
	disp *dispatch.Dispatcher,
	apiMaxBodyBytes int64,
) *Server {
	return NewServerWithAddress("", port, authn, disp, apiMaxBodyBytes)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	authn *auth.Authenticator,
	disp *dispatch.Dispatcher,
	apiMaxBodyBytes int64,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// The gateway endpoint authenticates per-request through the encrypted
	// envelope, so no bearer middleware wraps it.
	mux.Handle("POST /gateway", RequestBodyLimitMiddleware(apiMaxBodyBytes, HandleGateway(authn, disp)))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
