package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

const shutdownTimeout = 10 * time.Second

// App wires the key rotator, resolver and HTTP server together for the run command.
type App struct {
	cfg      config.Config
	logger   zerolog.Logger
	rotator  *odoh.Rotator
	resolver *UpstreamResolver
	handler  *Handler
	server   *Server
}

func NewApp(i *do.Injector) (*App, error) {
	cfg, err := do.Invoke[config.Config](i)
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	logger, err := do.Invoke[zerolog.Logger](i)
	if err != nil {
		return nil, fmt.Errorf("failed to get logger: %w", err)
	}
	rotator, err := do.Invoke[*odoh.Rotator](i)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key rotator: %w", err)
	}
	resolver, err := do.Invoke[*UpstreamResolver](i)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}
	handler, err := do.Invoke[*Handler](i)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handler: %w", err)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		rotator:  rotator,
		resolver: resolver,
		handler:  handler,
		server:   NewServer(cfg.HTTP, handler, logger),
	}, nil
}

// Run serves until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.rotator.Start(ctx, a.cfg.ODoH.KeyRotationInterval); err != nil {
		return fmt.Errorf("failed to start key rotation: %w", err)
	}
	if err := a.server.Start(); err != nil {
		return a.Shutdown(fmt.Errorf("failed to start http server: %w", err))
	}

	a.logger.Info().
		Str("upstream", a.cfg.Upstream.Address).
		Str("query_path", a.cfg.HTTP.QueryPath).
		Msg("odoh target started")

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("got shutdown signal")
		return a.Shutdown(nil)
	case err := <-a.server.Error():
		return a.Shutdown(err)
	}
}

func (a *App) Shutdown(reason error) error {
	errs := []error{reason}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.logger.Info().Msg("stopping http server")
	errs = append(errs, a.server.Shutdown(ctx))

	a.logger.Info().Msg("stopping key rotation")
	a.rotator.Stop()
	a.handler.Close()
	a.resolver.Close()

	return errors.Join(errs...)
}
