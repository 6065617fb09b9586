package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/fleettrack/internal/trackhub/protocol"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

type observerSession struct {
	id     string
	h      *Handler
	conn   Conn
	codec  protocol.Codec
	logger log.Logger

	outbox chan protocol.Message
	done   chan struct{}

	closeOnce sync.Once
}

// ServeObserver runs one observer connection until it closes. Observers do not authenticate.
func (h *Handler) ServeObserver(ctx context.Context, conn Conn, codec protocol.Codec) error {
	s := &observerSession{
		id:     uuid.NewString(),
		h:      h,
		conn:   conn,
		codec:  codec,
		outbox: make(chan protocol.Message, h.cfg.OutboxSize),
		done:   make(chan struct{}),
	}
	s.logger = h.logger.WithName("observer").WithValues("observerID", s.id)

	if err := h.registry.RegisterObserver(s.id, s); err != nil {
		return err
	}
	s.logger.Info("Observer connected")

	defer func() {
		h.registry.UnregisterObserver(s.id)
		s.Close()
		s.logger.Info("Observer disconnected")
	}()

	conn.SetReadTimeout(h.cfg.IdleTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Close()
		case <-s.done:
		}
		return nil
	})
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })

	if err := g.Wait(); err != nil && !isClosed(err) {
		return err
	}
	return nil
}

// Offer queues msg without blocking. It fails once the outbox is full or the session is closing.
func (s *observerSession) Offer(msg protocol.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbox <- msg:
		return true
	default:
		return false
	}
}

// Close stops the session. Pending messages are discarded.
func (s *observerSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// reply queues a direct response, waiting for room in the outbox. Only fan-out through Offer drops.
// It returns false once the session is closing.
func (s *observerSession) reply(ctx context.Context, msg protocol.Message) bool {
	select {
	case s.outbox <- protocol.Stamp(msg):
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *observerSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case msg := <-s.outbox:
			frame, err := s.codec.Encode(msg)
			if err != nil {
				return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
			}
			if err := s.conn.WriteFrame(frame); err != nil {
				return err
			}
		}
	}
}

func (s *observerSession) readLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if isTimeout(err) {
				s.logger.Info("Observer idle, closing", "timeout", s.h.cfg.IdleTimeout)
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}

		msg, err := s.codec.Decode(frame, protocol.ObserverInbound)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			s.reply(ctx, &protocol.Error{Message: err.Error(), Code: protocol.CodeUnknownMessageType})
			continue
		case err != nil:
			s.reply(ctx, &protocol.Error{Message: err.Error(), Code: protocol.CodeInvalidMessage})
			continue
		}

		switch m := msg.(type) {
		case *protocol.Subscribe:
			s.subscribe(ctx, m.UnitIDs)
		case *protocol.Unsubscribe:
			s.unsubscribe(ctx, m.UnitIDs)
		case *protocol.Ping:
			s.reply(ctx, &protocol.Pong{Timestamp: s.h.clock.Now().UTC()})
		}
	}
}

func (s *observerSession) subscribe(ctx context.Context, unitIDs []string) {
	if len(unitIDs) == 0 {
		s.reply(ctx, &protocol.Error{Message: "unitIds must not be empty", Code: protocol.CodeInvalidRequest})
		return
	}
	if err := s.h.registry.Subscribe(s.id, unitIDs); err != nil {
		// The registry already evicted this observer.
		s.Close()
		return
	}

	s.logger.Debug("Observer subscribed", "unitIDs", unitIDs)
	if !s.reply(ctx, &protocol.Subscribed{Ack: true, UnitIDs: unitIDs}) {
		return
	}
	for _, unitID := range unitIDs {
		if !s.reply(ctx, s.h.registry.ConnectionState(unitID)) {
			return
		}
	}
}

func (s *observerSession) unsubscribe(ctx context.Context, unitIDs []string) {
	if err := s.h.registry.Unsubscribe(s.id, unitIDs); err != nil {
		s.Close()
		return
	}
	s.logger.Debug("Observer unsubscribed", "unitIDs", unitIDs)
	s.reply(ctx, &protocol.Unsubscribed{Ack: true, UnitIDs: unitIDs})
}
