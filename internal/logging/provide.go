package logging

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
)

// Provide registers the process logger, built from the logging section of the config.
func Provide(i *do.Injector) {
	do.Provide(i, newInjectedLogger)
}

func newInjectedLogger(i *do.Injector) (zerolog.Logger, error) {
	cfg, err := do.Invoke[config.Config](i)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to get config: %w", err)
	}
	return NewLogger(cfg.Logging, nil)
}
