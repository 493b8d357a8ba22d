package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/logging"
)

// Server runs the target handler on TCP (HTTP/1.1 and HTTP/2) and, when enabled, on QUIC
// (HTTP/3).
type Server struct {
	cfg     config.HTTP
	logger  zerolog.Logger
	handler http.Handler

	listener net.Listener
	http     *http.Server
	http3    *http3.Server
	errCh    chan error
	wg       sync.WaitGroup
}

// NewServer creates a server for handler.
func NewServer(cfg config.HTTP, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logging.Component(logger, "http_server"),
		handler: handler,
		errCh:   make(chan error, 2),
	}
}

// Start binds the listeners and serves in the background. Listener errors are returned
// directly; serving errors are reported on Error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln

	handler := s.handler
	if s.cfg.HTTP3 {
		s.http3 = &http3.Server{
			Addr:    ln.Addr().String(),
			Handler: s.handler,
		}
		handler = s.altSvc(s.handler)
	}

	s.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var err error
		if s.cfg.TLSEnabled() {
			err = s.http.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.http.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	if s.http3 != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			err := s.http3.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errCh <- fmt.Errorf("http3 server failed: %w", err)
			}
		}()
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.TLSEnabled()).
		Bool("http3", s.cfg.HTTP3).
		Msg("odoh target listening")

	return nil
}

// altSvc advertises the HTTP/3 endpoint on TCP responses.
func (s *Server) altSvc(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.http3.SetQUICHeaders(w.Header()); err != nil {
			s.logger.Debug().Err(err).Msg("failed to set alt-svc header")
		}
		next.ServeHTTP(w, r)
	})
}

// Addr returns the bound TCP address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Error reports failures of the background servers.
func (s *Server) Error() <-chan error {
	return s.errCh
}

// Shutdown gracefully stops both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		errs = append(errs, s.http.Shutdown(ctx))
	}
	if s.http3 != nil {
		errs = append(errs, s.http3.Shutdown(ctx))
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
