// Package service installs the target as a system service and runs it under the
// platform's service manager.
package service

import (
	"context"
	"errors"
)

// Config describes an installed service.
type Config struct {
	Name        string
	DisplayName string
	Description string
	// Args are passed to the executable when the service manager starts it.
	Args []string
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("service name is required")
	}
	return nil
}

// RunFunc runs until ctx is cancelled.
type RunFunc func(ctx context.Context) error
