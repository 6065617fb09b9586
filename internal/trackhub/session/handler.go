// Package session drives the device and observer connections on top of a frame transport.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/credential"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/internal/trackhub/notifier"
	"github.com/autopeer-io/fleettrack/internal/trackhub/registry"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

// Conn is a message-oriented duplex transport carrying one encoded frame per message.
type Conn interface {
	// ReadFrame blocks for the next frame. A peer that closed normally yields io.EOF.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame. It is only called from a single goroutine.
	WriteFrame(data []byte) error

	// SetReadTimeout bounds every following ReadFrame call. Zero disables the bound.
	SetReadTimeout(d time.Duration)

	// Close unblocks pending reads and writes. It is safe to call more than once.
	Close() error
}

// Credentials is what the device session needs from the credential service.
type Credentials interface {
	Authenticate(ctx context.Context, deviceID, secret string) (*model.Credential, error)
	ShouldRotate(ctx context.Context, unitID, deviceID string, threshold time.Duration) (bool, error)
	Issue(ctx context.Context, unitID, deviceID string, ttl time.Duration, revokeExisting bool) (*credential.Issued, error)
}

// Evaluator is what the device session needs from the detection engine.
type Evaluator interface {
	Evaluate(ctx context.Context, unitID string, s *model.Sample) (int64, []*model.AnomalyEvent, error)
}

// Config tunes session timing and buffering.
type Config struct {
	// AuthTimeout bounds the wait for the AUTH frame.
	AuthTimeout time.Duration
	// IdleTimeout closes a connection that sends nothing for this long.
	IdleTimeout time.Duration
	// OutboxSize bounds the queue of frames waiting to be written per session.
	OutboxSize int

	// RotationCheckInterval is how often an authenticated device is checked for rotation.
	RotationCheckInterval time.Duration
	// RotationThreshold rotates once the current credential expires within this window.
	RotationThreshold time.Duration
	// CredentialTTL is the lifetime of rotated credentials. Zero issues non-expiring ones.
	CredentialTTL time.Duration
	// GracePeriodDays is reported to devices alongside a rotated secret.
	GracePeriodDays int
	// RotationAckTimeout is how long to wait for ROTATION_ACK before logging a warning.
	RotationAckTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:           30 * time.Second,
		IdleTimeout:           300 * time.Second,
		OutboxSize:            64,
		RotationCheckInterval: time.Hour,
		RotationThreshold:     7 * 24 * time.Hour,
		CredentialTTL:         30 * 24 * time.Hour,
		GracePeriodDays:       7,
		RotationAckTimeout:    30 * time.Second,
	}
}

// Handler serves device and observer connections against the shared collaborators.
type Handler struct {
	cfg         Config
	credentials Credentials
	engine      Evaluator
	registry    *registry.Registry
	notifier    core.EventNotifier
	clock       clock.WithTicker
	logger      log.Logger
}

// Option configures a Handler.
type Option func(*Handler)

func WithClock(c clock.WithTicker) Option {
	return func(h *Handler) { h.clock = c }
}

// WithNotifier mirrors events and presence changes to an external bus.
func WithNotifier(n core.EventNotifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// NewHandler creates a session handler.
func NewHandler(cfg Config, creds Credentials, engine Evaluator, reg *registry.Registry, opts ...Option) *Handler {
	h := &Handler{
		cfg:         cfg,
		credentials: creds,
		engine:      engine,
		registry:    reg,
		notifier:    notifier.Nop{},
		clock:       clock.RealClock{},
		logger:      log.WithName("session"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.OutboxSize <= 0 {
		h.cfg.OutboxSize = DefaultConfig().OutboxSize
	}
	return h
}

// isTimeout reports whether err is a read deadline expiring.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isClosed reports whether err is the ordinary end of a connection.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
