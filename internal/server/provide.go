package server

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

func Provide(i *do.Injector) {
	provideMetrics(i)
	provideRotator(i)
	provideResolver(i)
	provideHandler(i)
}

func provideMetrics(i *do.Injector) {
	do.Provide(i, func(_ *do.Injector) (*Metrics, error) {
		return NewMetrics(), nil
	})
}

func provideRotator(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*odoh.Rotator, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get config: %w", err)
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get logger: %w", err)
		}
		metrics, err := do.Invoke[*Metrics](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get metrics: %w", err)
		}
		suite, err := cfg.ODoH.Suite()
		if err != nil {
			return nil, err
		}

		rotator, err := odoh.NewRotator(suite, logger, odoh.OnRotate(metrics.ObserveRotation))
		if err != nil {
			return nil, err
		}
		metrics.RegisterRotator(rotator)
		return rotator, nil
	})
}

func provideResolver(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*UpstreamResolver, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get config: %w", err)
		}
		upstream, resolverType, err := ParseUpstreamConfig(cfg.Upstream.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
		return NewResolver(upstream, resolverType, cfg.Upstream.Timeout)
	})
}

func provideHandler(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*Handler, error) {
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
			return nil, fmt.Errorf("failed to get key rotator: %w", err)
		}
		resolver, err := do.Invoke[*UpstreamResolver](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get resolver: %w", err)
		}
		var metrics *Metrics
		if cfg.Metrics.Enabled {
			metrics, err = do.Invoke[*Metrics](i)
			if err != nil {
				return nil, fmt.Errorf("failed to get metrics: %w", err)
			}
		}
		return NewHandler(cfg, rotator, resolver, metrics, logger), nil
	})
}
