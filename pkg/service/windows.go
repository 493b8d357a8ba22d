//go:build windows

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"
)

// windowsService implements svc.Handler by running RunFunc until the service
// manager asks it to stop.
type windowsService struct {
	name string
	run  RunFunc
}

func (s *windowsService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.run(ctx)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	var exitCode uint32
loop:
	for {
		select {
		case err := <-errCh:
			if err != nil {
				s.logError(fmt.Sprintf("service stopped with error: %v", err))
				exitCode = 1
			}
			break loop
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				if err := <-errCh; err != nil {
					s.logError(fmt.Sprintf("service stopped with error: %v", err))
				}
				break loop
			}
		}
	}

	changes <- svc.Status{State: svc.Stopped}
	return false, exitCode
}

func (s *windowsService) logError(msg string) {
	elog, err := eventlog.Open(s.name)
	if err != nil {
		return
	}
	defer elog.Close()
	_ = elog.Error(1, msg)
}

// Install registers the running executable with the service manager.
func Install(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(cfg.Name); err == nil {
		s.Close()
		return fmt.Errorf("service %s already exists", cfg.Name)
	}

	s, err := m.CreateService(cfg.Name, exePath, mgr.Config{
		DisplayName: cfg.DisplayName,
		StartType:   mgr.StartAutomatic,
		Description: cfg.Description,
	}, cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer s.Close()

	if err := eventlog.InstallAsEventCreate(cfg.Name, eventlog.Error|eventlog.Warning|eventlog.Info); err != nil {
		_ = s.Delete()
		return fmt.Errorf("failed to create event log source: %w", err)
	}
	return nil
}

// Uninstall stops and deletes the service.
func Uninstall(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("service %s not found: %w", name, err)
	}
	defer s.Close()

	if status, err := s.Query(); err == nil && status.State != svc.Stopped {
		_, _ = s.Control(svc.Stop)
		for i := 0; i < 20; i++ {
			time.Sleep(500 * time.Millisecond)
			status, err := s.Query()
			if err != nil || status.State == svc.Stopped {
				break
			}
		}
	}

	if err := s.Delete(); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	_ = eventlog.Remove(name)
	return nil
}

// Run hands control to the service manager when started as a service, and otherwise
// runs until interrupted.
func Run(name string, run RunFunc) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return fmt.Errorf("failed to determine if running as service: %w", err)
	}
	if isService {
		return svc.Run(name, &windowsService{name: name, run: run})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return run(ctx)
}

// IsService reports whether the process was started by the service manager.
func IsService() bool {
	isService, _ := svc.IsWindowsService()
	return isService
}
