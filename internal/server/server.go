package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
	"github.com/ahmethakanbesel/pricefeed/internal/refresh"
	"github.com/ahmethakanbesel/pricefeed/internal/scheduler"
	"github.com/ahmethakanbesel/pricefeed/internal/sip"
)

// Deps are the long-lived components the HTTP layer exposes. They are owned
// by the process and shared with the background jobs.
type Deps struct {
	Prices    price.Store
	Fetcher   *fetcher.Fetcher
	Scheduler *scheduler.Scheduler
	Refresh   *refresh.Manager
	SIP       *sip.Processor
}

type Server struct {
	srv *http.Server
}

// New creates a server. The baseCtx is used as the base context for all
// incoming requests (via BaseContext), so cancelling it stops in-flight
// upstream lookups during graceful shutdown.
func New(baseCtx context.Context, port string, d Deps) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%s", port),
			Handler: newMux(d),
			BaseContext: func(_ net.Listener) context.Context {
				return baseCtx
			},
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	slog.Info("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")
	return s.srv.Shutdown(ctx)
}
