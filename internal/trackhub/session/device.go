package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/fleettrack/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/fleettrack/internal/pkg/util/fsm"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/protocol"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

// Device session states.
const (
	StateConnected      = "connected"
	StateAuthenticating = "authenticating"
	StateAuthenticated  = "authenticated"
	StateClosed         = "closed"
)

// Device session events.
const (
	EventAwaitAuth     = "event_await_auth"
	EventAuthenticated = "event_authenticated"
	EventClose         = "event_close"
)

// genericAuthFailure is the only reason a device ever sees, whatever the cause.
const genericAuthFailure = "authentication failed"

var errAlreadyAuthenticated = errors.New("already authenticated")

type deviceSession struct {
	h      *Handler
	conn   Conn
	codec  protocol.Codec
	logger log.Logger

	fsm *fsm.FSM

	deviceID string
	unitID   string

	outbox chan protocol.Message
	acks   chan *protocol.RotationAck

	closeOnce sync.Once
}

// ServeDevice runs one device connection until it closes. The returned error is nil for ordinary disconnects.
func (h *Handler) ServeDevice(ctx context.Context, conn Conn, codec protocol.Codec) error {
	s := &deviceSession{
		h:      h,
		conn:   conn,
		codec:  codec,
		logger: h.logger.WithName("device"),
		outbox: make(chan protocol.Message, h.cfg.OutboxSize),
		acks:   make(chan *protocol.RotationAck, 1),
	}
	s.fsm = fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: EventAwaitAuth, Src: []string{StateConnected}, Dst: StateAuthenticating},
			{Name: EventAuthenticated, Src: []string{StateAuthenticating}, Dst: StateAuthenticated},
			{Name: EventClose, Src: []string{StateConnected, StateAuthenticating, StateAuthenticated}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_" + StateAuthenticated: fsmutil.WrapEvent(s.enterAuthenticated),
			"enter_" + StateClosed:        fsmutil.WrapEvent(s.enterClosed),
		},
	)

	err := s.run(ctx)
	if fsmErr := s.fsm.Event(context.Background(), EventClose); fsmErr != nil {
		s.logger.Error(fsmErr, "Device session teardown failed", "deviceID", s.deviceID)
	}
	if err != nil && !isClosed(err) {
		return err
	}
	return nil
}

// Close ends the session from outside, for example when a newer connection replaces it.
func (s *deviceSession) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *deviceSession) run(ctx context.Context) error {
	if err := s.fsm.Event(ctx, EventAwaitAuth); err != nil {
		return err
	}

	if err := s.authenticate(ctx); err != nil {
		return err
	}

	s.conn.SetReadTimeout(s.h.cfg.IdleTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.rotationLoop(gctx) })
	return g.Wait()
}

// authenticate waits for AUTH, verifies it and registers the session. It owns the connection
// exclusively, so replies are written directly.
func (s *deviceSession) authenticate(ctx context.Context) error {
	s.conn.SetReadTimeout(s.h.cfg.AuthTimeout)

	frame, err := s.conn.ReadFrame()
	if err != nil {
		if isTimeout(err) {
			metrics.AuthAttempts.WithLabelValues("timeout").Inc()
			s.logger.Info("Device did not authenticate in time", "timeout", s.h.cfg.AuthTimeout)
		}
		return err
	}

	msg, err := s.codec.Decode(frame, protocol.DeviceInbound)
	if err != nil {
		s.reject()
		return fmt.Errorf("decode auth frame: %w", err)
	}
	auth, ok := msg.(*protocol.Auth)
	if !ok {
		s.reject()
		return fmt.Errorf("expected %s, got %s", protocol.TypeAuth, msg.MessageType())
	}

	cred, err := s.h.credentials.Authenticate(ctx, auth.DeviceID, auth.Secret)
	if err != nil {
		if !errors.Is(err, core.ErrAuthentication) {
			s.logger.Error(err, "Authentication could not be completed", "deviceID", auth.DeviceID)
		} else {
			s.logger.Info("Device authentication rejected", "deviceID", auth.DeviceID)
		}
		s.reject()
		return err
	}

	s.deviceID = auth.DeviceID
	s.unitID = cred.UnitID
	s.logger = s.logger.WithValues("deviceID", s.deviceID, "unitID", s.unitID)

	if err := s.h.registry.RegisterDevice(s.deviceID, s.unitID, s); err != nil {
		s.logger.Warn("Device already has a live session, rejecting")
		s.reject()
		return err
	}

	if err := s.fsm.Event(ctx, EventAuthenticated); err != nil {
		return err
	}

	return s.write(&protocol.AuthOK{UnitID: s.unitID, Message: "authenticated"})
}

func (s *deviceSession) reject() {
	if err := s.write(&protocol.AuthFailed{Reason: genericAuthFailure}); err != nil {
		s.logger.Debug("Could not deliver AUTH_FAILED", "error", err)
	}
}

func (s *deviceSession) enterAuthenticated(ctx context.Context, _ *fsm.Event) error {
	s.logger.Info("Device authenticated")
	s.h.registry.PublishConnectionState(s.unitID)
	s.h.notifier.NotifyPresence(ctx, s.unitID, s.deviceID, true, s.h.clock.Now())
	return nil
}

// enterClosed releases everything the session holds. A session replaced by a newer
// connection for the same device leaves the registry and the presence untouched.
func (s *deviceSession) enterClosed(ctx context.Context, e *fsm.Event) error {
	s.Close()

	if e.Src != StateAuthenticated {
		return nil
	}
	if !s.h.registry.UnregisterDevice(s.deviceID, s) {
		s.logger.Info("Device session superseded")
		return nil
	}

	s.logger.Info("Device disconnected")
	s.h.registry.PublishConnectionState(s.unitID)
	s.h.notifier.NotifyPresence(ctx, s.unitID, s.deviceID, false, s.h.clock.Now())
	return nil
}

func (s *deviceSession) write(msg protocol.Message) error {
	frame, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return s.conn.WriteFrame(frame)
}

// send queues msg for the writer. It blocks while the outbox is full so acknowledgements keep their order.
func (s *deviceSession) send(ctx context.Context, msg protocol.Message) {
	select {
	case s.outbox <- msg:
	case <-ctx.Done():
	}
}

func (s *deviceSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.outbox:
			if err := s.write(msg); err != nil {
				return err
			}
		}
	}
}

func (s *deviceSession) readLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if isTimeout(err) {
				s.logger.Info("Device idle, closing", "timeout", s.h.cfg.IdleTimeout)
			}
			return err
		}
		s.h.registry.Touch(s.deviceID)

		msg, err := s.codec.Decode(frame, protocol.DeviceInbound)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			s.send(ctx, &protocol.Error{Message: err.Error(), Code: protocol.CodeUnknownMessageType})
			continue
		case err != nil:
			s.send(ctx, &protocol.Error{Message: err.Error(), Code: protocol.CodeInvalidMessage})
			continue
		}

		switch m := msg.(type) {
		case *protocol.Sample:
			s.handleSample(ctx, m, frame)
		case *protocol.Ping:
			s.send(ctx, &protocol.Pong{Timestamp: s.h.clock.Now().UTC()})
		case *protocol.RotationAck:
			select {
			case s.acks <- m:
			default:
				s.logger.Debug("Unsolicited rotation ack ignored", "accepted", m.Accepted)
			}
		case *protocol.Auth:
			s.send(ctx, &protocol.Error{Message: errAlreadyAuthenticated.Error(), Code: protocol.CodeInvalidRequest})
		}
	}
}

func (s *deviceSession) handleSample(ctx context.Context, m *protocol.Sample, raw []byte) {
	now := s.h.clock.Now()

	sample, err := toSample(m, raw, now)
	if err != nil {
		metrics.Samples.WithLabelValues("invalid").Inc()
		s.send(ctx, &protocol.Error{Message: err.Error(), Code: protocol.CodeInvalidSample})
		return
	}

	sampleID, events, err := s.h.engine.Evaluate(ctx, s.unitID, sample)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			s.send(ctx, &protocol.Error{Message: err.Error(), Code: protocol.CodeInvalidSample})
			return
		}
		s.logger.Error(err, "Sample not persisted")
		s.send(ctx, &protocol.Error{Message: "sample not persisted, retry later", Code: protocol.CodeSampleNotPersisted})
		return
	}

	ack := &protocol.SampleAck{SampleID: sampleID, Timestamp: now.UTC()}
	if len(events) > 0 {
		eventID := events[0].ID
		ack.EventID = &eventID
	}
	s.send(ctx, ack)

	sample.ID = sampleID
	s.h.registry.Publish(s.unitID, positionUpdate(sample))
	for _, ev := range events {
		s.h.registry.Publish(s.unitID, eventAlert(ev))
		s.h.notifier.NotifyEvent(ctx, ev)
	}
}

// rotationLoop checks on connect and then periodically whether the credential is close to expiry
// and pushes a new secret.
func (s *deviceSession) rotationLoop(ctx context.Context) error {
	if s.h.cfg.RotationCheckInterval <= 0 {
		return nil
	}

	s.rotate(ctx)

	ticker := s.h.clock.NewTicker(s.h.cfg.RotationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.rotate(ctx)
		}
	}
}

func (s *deviceSession) rotate(ctx context.Context) {
	due, err := s.h.credentials.ShouldRotate(ctx, s.unitID, s.deviceID, s.h.cfg.RotationThreshold)
	if err != nil {
		s.logger.Error(err, "Rotation check failed")
		return
	}
	if !due {
		return
	}

	issued, err := s.h.credentials.Issue(ctx, s.unitID, s.deviceID, s.h.cfg.CredentialTTL, false)
	if err != nil {
		metrics.Rotations.WithLabelValues("failed").Inc()
		s.logger.Error(err, "Could not issue rotated credential")
		return
	}

	// Drop acks that arrived for an earlier rotation.
	select {
	case <-s.acks:
	default:
	}

	s.send(ctx, &protocol.Rotation{
		NewSecret:       issued.Secret,
		ExpiresAt:       issued.ExpiresAt,
		GracePeriodDays: s.h.cfg.GracePeriodDays,
		Message:         "credential rotated, store the new secret and use it on the next connection",
	})
	metrics.Rotations.WithLabelValues("sent").Inc()
	s.logger.Info("Rotated credential sent", "credentialID", issued.CredentialID, "expiresAt", issued.ExpiresAt)

	timer := s.h.clock.NewTimer(s.h.cfg.RotationAckTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case ack := <-s.acks:
		if ack.Accepted {
			metrics.Rotations.WithLabelValues("accepted").Inc()
			s.logger.Info("Device accepted rotated credential", "credentialID", issued.CredentialID)
		} else {
			metrics.Rotations.WithLabelValues("declined").Inc()
			s.logger.Warn("Device declined rotated credential", "credentialID", issued.CredentialID, "message", ack.Message)
		}
	case <-timer.C():
		metrics.Rotations.WithLabelValues("timeout").Inc()
		s.logger.Warn("No rotation acknowledgement received", "credentialID", issued.CredentialID, "timeout", s.h.cfg.RotationAckTimeout)
	}
}
