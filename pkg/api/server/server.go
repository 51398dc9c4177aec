// Package server runs pkg/api's gin router behind an http.Server,
// following the teacher's DefaultServer (pkg/api/server/server.go):
// same unix-socket address convention, same Serve/Shutdown lifecycle.
// The huma-based OpenAPI surface it also wires is dropped here — this
// server has no query API to document. pkg/metrics' collectors are
// registered once against the default registerer by cmd/yafcore at
// start-up and scraped through pkg/api's /metrics route, rather than
// through a request-duration middleware.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/yafgo/pkg/api"
	"github.com/flowforge/yafgo/pkg/pipeline"
)

const headerTimeout = 30 * time.Second

// Server runs pkg/api's router over a TCP address or, if addr carries a
// "unix:" prefix, a unix domain socket.
type Server struct {
	addr           string
	unixSocketFile string
	router         http.Handler
	srv            *http.Server
}

// New builds a Server for serviceName, listening on addr, reading live
// pipeline state from stats and errs.
func New(serviceName, addr string, stats api.StatsSource, errs api.ErrorsSource, opts ...api.Option) *Server {
	return &Server{
		addr:           addr,
		unixSocketFile: api.ExtractUnixSocket(addr),
		router:         api.NewRouter(strings.ToLower(serviceName), stats, errs, opts...),
	}
}

// Serve blocks, accepting connections until Shutdown is called or the
// listener fails.
func (s *Server) Serve() error {
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: headerTimeout,
	}

	if s.unixSocketFile != "" {
		listener, err := net.Listen("unix", s.unixSocketFile)
		if err != nil {
			return err
		}
		return s.srv.Serve(listener)
	}

	s.srv.Addr = s.addr
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// compile-time checks that pkg/pipeline's loops satisfy what
// api.NewRouter needs.
var (
	_ api.StatsSource  = (*pipeline.FlushLoop)(nil)
	_ api.ErrorsSource = (*pipeline.CaptureLoop)(nil)
)
