// Package credential issues, verifies, rotates and revokes the bearer secrets devices authenticate with.
package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleettrack/internal/pkg/metrics"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

// maxIssueAttempts bounds retries after a digest collision.
const maxIssueAttempts = 3

// Issued is the result of a successful issuance. Secret is never retrievable again.
type Issued struct {
	Secret       string
	CredentialID int64
	UnitID       string
	DeviceID     string
	ExpiresAt    *time.Time
}

// Service implements credential issuance, verification and rotation timing.
type Service struct {
	units  core.UnitStore
	store  core.CredentialStore
	clock  clock.WithTicker
	random io.Reader
	logger log.Logger

	touches *touchPipeline
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(s *Service) { s.clock = c }
}

// WithRandom overrides the entropy source used for new secrets.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// NewService creates a credential service backed by the given stores.
func NewService(units core.UnitStore, store core.CredentialStore, opts ...Option) *Service {
	s := &Service{
		units:  units,
		store:  store,
		clock:  clock.RealClock{},
		random: rand.Reader,
		logger: log.WithName("credential"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.touches = newTouchPipeline(store, s.clock, s.logger)
	return s
}

// Start runs the background last-used writer until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.touches.Run(ctx)
	return nil
}

// Issue creates a new credential for the (unit, device) pair. A ttl of zero issues a non-expiring credential.
// With revokeExisting, prior non-revoked credentials of the pair are revoked first; rotation passes false
// so the current secret keeps working through the grace period.
func (s *Service) Issue(ctx context.Context, unitID, deviceID string, ttl time.Duration, revokeExisting bool) (*Issued, error) {
	if unitID == "" || deviceID == "" {
		return nil, core.Validationf("unit id and device id are required")
	}
	if ttl < 0 {
		return nil, core.Validationf("ttl must not be negative")
	}

	if _, err := s.units.GetUnit(ctx, unitID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.Validationf("unknown unit %q", unitID)
		}
		return nil, core.Transient(err)
	}

	if revokeExisting {
		n, err := s.store.RevokeCredentials(ctx, unitID, deviceID)
		if err != nil {
			return nil, core.Transient(err)
		}
		s.logger.Info("Revoked previous credentials", "unitID", unitID, "deviceID", deviceID, "count", n)
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		secret, err := newSecret(s.random)
		if err != nil {
			return nil, err
		}

		cred := &model.Credential{
			UnitID:    unitID,
			DeviceID:  deviceID,
			Digest:    Digest(secret),
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}

		err = s.store.CreateCredential(ctx, cred)
		switch {
		case err == nil:
			metrics.CredentialOperations.WithLabelValues("issue", "success").Inc()
			s.logger.Info("Credential issued", "unitID", unitID, "deviceID", deviceID, "credentialID", cred.ID, "expiresAt", expiresAt)
			return &Issued{
				Secret:       secret,
				CredentialID: cred.ID,
				UnitID:       unitID,
				DeviceID:     deviceID,
				ExpiresAt:    expiresAt,
			}, nil

		case errors.Is(err, core.ErrConflict):
			s.logger.Warn("Credential digest collision, retrying", "unitID", unitID, "attempt", attempt)

		default:
			metrics.CredentialOperations.WithLabelValues("issue", "error").Inc()
			return nil, core.Transient(err)
		}
	}

	metrics.CredentialOperations.WithLabelValues("issue", "conflict").Inc()
	err := fmt.Errorf("%w: credential digest collided %d times", core.ErrConflict, maxIssueAttempts)
	s.logger.Error(err, "Giving up on credential issuance", "unitID", unitID, "deviceID", deviceID)
	return nil, err
}

// Verify reports whether secret is a usable credential of unitID. Store failures count as a failed verification.
func (s *Service) Verify(ctx context.Context, unitID, secret string) bool {
	_, err := s.verify(ctx, unitID, secret)
	if err != nil && !errors.Is(err, core.ErrAuthentication) {
		s.logger.Error(err, "Credential verification failed", "unitID", unitID)
	}
	return err == nil
}

func (s *Service) verify(ctx context.Context, unitID, secret string) (*model.Credential, error) {
	if !wellFormed(secret) {
		return nil, core.ErrAuthentication
	}

	digest := Digest(secret)
	cred, err := s.store.FindCredentialByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrAuthentication
		}
		return nil, core.Transient(err)
	}

	now := s.clock.Now()
	if !digestEqual(cred.Digest, digest) || cred.UnitID != unitID || !cred.Usable(now) {
		return nil, core.ErrAuthentication
	}

	s.touches.Push(cred.ID, now)
	return cred, nil
}

// Authenticate resolves the unit owning secret and verifies it for deviceID.
// Every rejection is reported as ErrAuthentication so callers cannot tell unknown units from bad secrets.
func (s *Service) Authenticate(ctx context.Context, deviceID, secret string) (*model.Credential, error) {
	if deviceID == "" || !wellFormed(secret) {
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		return nil, core.ErrAuthentication
	}

	owner, err := s.store.FindCredentialByDigest(ctx, Digest(secret))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			metrics.AuthAttempts.WithLabelValues("rejected").Inc()
			return nil, core.ErrAuthentication
		}
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		return nil, core.Transient(err)
	}

	if owner.DeviceID != deviceID {
		s.logger.Warn("Credential presented by a different device", "unitID", owner.UnitID, "deviceID", deviceID)
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		return nil, core.ErrAuthentication
	}

	unit, err := s.units.GetUnit(ctx, owner.UnitID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			metrics.AuthAttempts.WithLabelValues("rejected").Inc()
			return nil, core.ErrAuthentication
		}
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		return nil, core.Transient(err)
	}
	if !unit.Active {
		s.logger.Warn("Inactive unit tried to authenticate", "unitID", unit.ID, "deviceID", deviceID)
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		return nil, core.ErrAuthentication
	}

	cred, err := s.verify(ctx, owner.UnitID, secret)
	if err != nil {
		if errors.Is(err, core.ErrAuthentication) {
			metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		} else {
			metrics.AuthAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return cred, nil
}

// ShouldRotate reports whether the newest non-revoked credential of the pair expires within threshold.
// Pairs without a credential, or whose credential never expires, never rotate.
func (s *Service) ShouldRotate(ctx context.Context, unitID, deviceID string, threshold time.Duration) (bool, error) {
	cred, err := s.store.LatestCredential(ctx, unitID, deviceID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.logger.Warn("No credential found for rotation check", "unitID", unitID, "deviceID", deviceID)
			return false, nil
		}
		return false, core.Transient(err)
	}
	if cred.ExpiresAt == nil {
		return false, nil
	}

	remaining := cred.ExpiresAt.Sub(s.clock.Now())
	rotate := remaining <= threshold

	s.logger.Debug("Rotation check", "unitID", unitID, "deviceID", deviceID, "remaining", remaining, "threshold", threshold, "rotate", rotate)
	return rotate, nil
}

// Revoke revokes the credential matching secret and returns how many were revoked (0 or 1).
func (s *Service) Revoke(ctx context.Context, secret string) (int, error) {
	n, err := s.store.RevokeCredentialByDigest(ctx, Digest(secret))
	if err != nil {
		metrics.CredentialOperations.WithLabelValues("revoke", "error").Inc()
		return 0, core.Transient(err)
	}

	metrics.CredentialOperations.WithLabelValues("revoke", "success").Inc()
	s.logger.Info("Credential revoked by secret", "count", n)
	return n, nil
}

// RevokeAllForDevice revokes every live credential of the pair.
func (s *Service) RevokeAllForDevice(ctx context.Context, unitID, deviceID string) (int, error) {
	n, err := s.store.RevokeCredentials(ctx, unitID, deviceID)
	if err != nil {
		metrics.CredentialOperations.WithLabelValues("revoke", "error").Inc()
		return 0, core.Transient(err)
	}

	metrics.CredentialOperations.WithLabelValues("revoke", "success").Inc()
	s.logger.Info("Device credentials revoked", "unitID", unitID, "deviceID", deviceID, "count", n)
	return n, nil
}

// Reap deletes revoked or expired credentials created more than olderThan ago.
func (s *Service) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.clock.Now()
	n, err := s.store.DeleteCredentials(ctx, now, now.Add(-olderThan))
	if err != nil {
		metrics.CredentialOperations.WithLabelValues("reap", "error").Inc()
		return 0, core.Transient(err)
	}

	metrics.CredentialsReaped.Add(float64(n))
	return n, nil
}
