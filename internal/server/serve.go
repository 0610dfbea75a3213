// Package server runs the agent's HTTP listener and tears the process down
// in an orderly way.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve accepts connections on listener until ctx is done, then stops the
// server gracefully, waiting at most shutdownTimeout for in-flight requests,
// and finally runs hooks. Hooks run even when the server fails.
func Serve(ctx context.Context, srv *http.Server, listener net.Listener, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("agent listening")
		serveErr <- srv.Serve(listener)
	}()

	var err error
	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("serve: %w", err)
		}

	case <-ctx.Done():
		log.Info().Msg("shutdown requested, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("server shutdown incomplete")
		if err == nil {
			err = fmt.Errorf("shutdown: %w", shutdownErr)
		}
	}

	if hooks != nil {
		hooks.Execute(shutdownCtx)
	}

	return err
}

// ListenAndServe listens on the server's address and calls Serve.
func ListenAndServe(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		if hooks != nil {
			hooks.Execute(ctx)
		}
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	return Serve(ctx, srv, listener, shutdownTimeout, hooks)
}
