package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"goa.design/clue/health"
	"goa.design/clue/log"
)

const shutdownGrace = 15 * time.Second

// NewEcho builds the HTTP mux: protocol routes, request logging, panic
// recovery, CORS, and a health endpoint backed by the given pingers.
func NewEcho(logCtx context.Context, srv *Server, pingers ...health.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(echo.WrapMiddleware(log.HTTP(logCtx)))
	NewHandler(srv).RegisterRoutes(e)
	e.GET("/healthz", echo.WrapHandler(health.Handler(health.NewChecker(pingers...))))
	return e
}

// Serve runs the HTTP server on addr until ctx is cancelled, then drains
// connections and waits for live runs to settle.
func Serve(ctx context.Context, addr string, srv *Server, pingers ...health.Pinger) error {
	e := NewEcho(ctx, srv, pingers...)

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Printf(ctx, "shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return err
	}
	return srv.Shutdown(sctx)
}
