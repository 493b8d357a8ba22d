package odoh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Rotator holds the process-wide current key. Readers load it without locking; a scheduled
// job replaces it every rotation interval. Exactly one key is current at any time.
type Rotator struct {
	suite    Suite
	logger   zerolog.Logger
	generate func(Suite) (*KeyMaterial, error)
	onRotate []func(previous, current *KeyMaterial)

	current      atomic.Pointer[KeyMaterial]
	rotations    atomic.Uint64
	failures     atomic.Uint64
	nextRotation atomic.Int64

	mu  sync.Mutex
	run *rotationRun
}

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithGenerator replaces the key generator.
func WithGenerator(generate func(Suite) (*KeyMaterial, error)) RotatorOption {
	return func(r *Rotator) {
		r.generate = generate
	}
}

// OnRotate registers fn to run after every successful rotation, on the rotating
// goroutine.
func OnRotate(fn func(previous, current *KeyMaterial)) RotatorOption {
	return func(r *Rotator) {
		r.onRotate = append(r.onRotate, fn)
	}
}

// NewRotator generates the first key and publishes it. An error here means the target has
// no key to serve and should not start.
func NewRotator(suite Suite, logger zerolog.Logger, opts ...RotatorOption) (*Rotator, error) {
	r := &Rotator{
		suite:    suite,
		logger:   logger.With().Str("component", "odoh_rotator").Logger(),
		generate: Generate,
	}
	for _, opt := range opts {
		opt(r)
	}

	key, err := r.generate(suite)
	if err != nil {
		return nil, fmt.Errorf("failed to generate initial odoh key: %w", err)
	}
	r.current.Store(key)
	r.logger.Info().
		Str("key_id", hex.EncodeToString(key.keyID)).
		Msg("generated initial odoh key")

	return r, nil
}

// CurrentKey returns the current key material. It never blocks and never returns nil.
func (r *Rotator) CurrentKey() *KeyMaterial {
	return r.current.Load()
}

// Rotate generates a new key and makes it current. On failure the previous key stays
// current and the error is returned.
func (r *Rotator) Rotate() error {
	key, err := r.generate(r.suite)
	if err != nil {
		r.failures.Add(1)
		r.logger.Error().Err(err).Msg("odoh key rotation failed, keeping current key")
		return err
	}

	previous := r.current.Swap(key)
	r.rotations.Add(1)
	r.logger.Info().
		Str("key_id", hex.EncodeToString(key.keyID)).
		Str("previous_key_id", hex.EncodeToString(previous.keyID)).
		Msg("rotated odoh key")

	for _, fn := range r.onRotate {
		fn(previous, key)
	}

	return nil
}

// Start schedules Rotate every interval until ctx is done or Stop is called. The first
// rotation happens one interval after Start.
func (r *Rotator) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid key rotation interval %s", interval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != nil {
		return errors.New("odoh key rotation already started")
	}

	run := &rotationRun{
		scheduler: gocron.NewScheduler(time.UTC),
		done:      make(chan struct{}),
	}
	_, err := run.scheduler.Every(interval).
		WaitForSchedule().
		SingletonMode().
		Do(func() {
			select {
			case <-run.done:
				return
			default:
			}
			r.nextRotation.Store(time.Now().Add(interval).UnixNano())
			// Failures are logged by Rotate; the job keeps its schedule.
			_ = r.Rotate()
		})
	if err != nil {
		return fmt.Errorf("failed to schedule odoh key rotation: %w", err)
	}
	r.nextRotation.Store(time.Now().Add(interval).UnixNano())
	run.scheduler.StartAsync()
	r.run = run

	r.logger.Info().Dur("interval", interval).Msg("started odoh key rotation")

	go func() {
		select {
		case <-ctx.Done():
			r.stop(run)
		case <-run.done:
		}
	}()

	return nil
}

// rotationRun is one Start/Stop cycle of the scheduler.
type rotationRun struct {
	scheduler *gocron.Scheduler
	done      chan struct{}
}

// Stop stops scheduled rotation. The current key stays published.
func (r *Rotator) Stop() {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()

	if run != nil {
		r.stop(run)
	}
}

// stop tears down run if it is still the active one. A run that was already replaced by
// a later Start is left alone.
func (r *Rotator) stop(run *rotationRun) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != run {
		return
	}
	run.scheduler.Stop()
	close(run.done)
	r.run = nil
	r.nextRotation.Store(0)
	r.logger.Info().Msg("stopped odoh key rotation")
}

// NextRotation returns when the scheduled rotation is next due, or the zero time when
// rotation is not running.
func (r *Rotator) NextRotation() time.Time {
	next := r.nextRotation.Load()
	if next == 0 {
		return time.Time{}
	}
	return time.Unix(0, next)
}

// Rotations returns the number of successful rotations since start.
func (r *Rotator) Rotations() uint64 {
	return r.rotations.Load()
}

// Failures returns the number of failed rotation attempts since start.
func (r *Rotator) Failures() uint64 {
	return r.failures.Load()
}
