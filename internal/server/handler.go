// Package server implements the HTTP side of the oblivious DoH target.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/logging"
	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

const (
	// ConfigsPath is where targets publish their ObliviousDoHConfigs.
	ConfigsPath = "/.well-known/odohconfigs"
	HealthPath  = "/health"
	MetricsPath = "/metrics"

	ObliviousContentType = "application/oblivious-dns-message"
	configsContentType   = "application/octet-stream"

	// KeyIDHeader carries the hex key identifier on health responses.
	KeyIDHeader     = "X-ODoH-Key-ID"
	requestIDHeader = "X-Request-ID"
)

// KeySource hands out the key material queries are decrypted with.
type KeySource interface {
	CurrentKey() *odoh.KeyMaterial
}

// rotationSchedule is implemented by key sources that know when the next rotation is due.
type rotationSchedule interface {
	NextRotation() time.Time
}

// Handler is the oblivious DoH target HTTP handler.
type Handler struct {
	keys             KeySource
	resolver         Resolver
	security         *Security
	metrics          *Metrics
	logger           zerolog.Logger
	mux              *http.ServeMux
	sem              chan struct{}
	queryPath        string
	padding          int
	rotationInterval time.Duration
	cancel           context.CancelFunc
}

// NewHandler creates a new target handler. metrics may be nil to disable the metrics
// endpoint.
func NewHandler(cfg config.Config, keys KeySource, resolver Resolver, metrics *Metrics, logger zerolog.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		keys:             keys,
		resolver:         resolver,
		security:         NewSecurity(ctx, cfg.Limits.RateLimit, cfg.Limits.Burst),
		metrics:          metrics,
		logger:           logging.Component(logger, "odoh_handler"),
		mux:              http.NewServeMux(),
		sem:              make(chan struct{}, cfg.Limits.MaxConcurrent),
		queryPath:        cfg.HTTP.QueryPath,
		padding:          cfg.ODoH.ResponsePadding,
		rotationInterval: cfg.ODoH.KeyRotationInterval,
		cancel:           cancel,
	}

	h.mux.HandleFunc(ConfigsPath, h.handleConfigs)
	h.mux.HandleFunc(h.queryPath, h.handleQuery)
	h.mux.HandleFunc(HealthPath, h.handleHealth)
	if metrics != nil {
		h.mux.Handle(MetricsPath, metrics.Handler())
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close stops background maintenance. In-flight requests are unaffected.
func (h *Handler) Close() {
	h.cancel()
}

func (h *Handler) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if h.metrics != nil {
		h.metrics.observeConfigRequest()
	}

	key := h.keys.CurrentKey()
	body := key.Config()

	w.Header().Set("Content-Type", configsContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(h.maxAge(key)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(body)
	}
}

// maxAge is the number of whole seconds until key is due to be replaced. The scheduler's
// next run is used when known; otherwise one interval from the key's creation.
func (h *Handler) maxAge(key *odoh.KeyMaterial) int {
	due := key.CreatedAt().Add(h.rotationInterval)
	if s, ok := h.keys.(rotationSchedule); ok {
		if next := s.NextRotation(); !next.IsZero() {
			due = next
		}
	}
	remaining := time.Until(due)
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	key := h.keys.CurrentKey()
	w.Header().Set(KeyIDHeader, hex.EncodeToString(key.KeyID()))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := h.logger.With().Str("request_id", requestID).Logger()
	w.Header().Set(requestIDHeader, requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != ObliviousContentType {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}

	if !h.security.CheckRateLimit(clientIP(r)) {
		h.fail(w, logger, start, resultRateLimited, http.StatusTooManyRequests, nil)
		return
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-r.Context().Done():
		h.fail(w, logger, start, resultOverloaded, http.StatusServiceUnavailable, r.Context().Err())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, odoh.MaxMessageSize+1))
	if err != nil {
		h.fail(w, logger, start, resultInvalid, http.StatusBadRequest, err)
		return
	}
	if err := h.security.ValidateQuery(body); err != nil {
		status := http.StatusBadRequest
		var verr *ValidationError
		if errors.As(err, &verr) && verr.TooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		h.fail(w, logger, start, resultInvalid, status, err)
		return
	}

	query, qctx, err := odoh.Decrypt(h.keys.CurrentKey(), body)
	switch {
	case odoh.IsStaleKey(err):
		// Tells the client to fetch the current configuration.
		h.fail(w, logger, start, resultStaleKey, http.StatusUnauthorized, err)
		return
	case err != nil:
		h.fail(w, logger, start, resultInvalid, http.StatusBadRequest, err)
		return
	}
	qctx.SetResponsePadding(h.padding)

	answer, err := h.resolver.Resolve(r.Context(), query)
	if err != nil {
		if odoh.IsInvalidMessage(err) {
			h.fail(w, logger, start, resultInvalid, http.StatusBadRequest, err)
			return
		}
		h.fail(w, logger, start, resultUpstream, http.StatusBadGateway, err)
		return
	}

	encrypted, err := qctx.EncryptResponse(answer)
	if err != nil {
		h.fail(w, logger, start, resultInternalFail, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", ObliviousContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(encrypted)))
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encrypted)

	if h.metrics != nil {
		h.metrics.observeQuery(resultOK, start)
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("answered oblivious query")
}

// fail writes a bare status response. Error details only go to the log.
func (h *Handler) fail(w http.ResponseWriter, logger zerolog.Logger, start time.Time, result string, status int, err error) {
	http.Error(w, http.StatusText(status), status)
	if h.metrics != nil {
		h.metrics.observeQuery(result, start)
	}

	event := logger.Debug()
	if status >= http.StatusInternalServerError {
		event = logger.Warn()
	}
	event.Err(err).
		Str("result", result).
		Int("status", status).
		Msg("oblivious query failed")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
