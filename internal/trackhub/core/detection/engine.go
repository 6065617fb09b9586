// Package detection classifies each incoming location sample into zero or more anomaly events.
package detection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleettrack/internal/pkg/metrics"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

// msToKmh converts metres per second to kilometres per hour.
const msToKmh = 3.6

// Config holds the process-wide detection thresholds. They only change on restart.
type Config struct {
	// RouteDeviationMeters is the distance from the assigned route above which a sample is off route.
	RouteDeviationMeters float64

	// SpeedLimit in metres per second. Samples strictly above it are overspeed.
	SpeedLimit float64

	// StopSpeed in metres per second. Samples at or below it belong to a stop episode.
	StopSpeed float64

	// StopDuration is how long a stop episode lasts before it is reported.
	StopDuration time.Duration
}

// DefaultConfig returns the stock thresholds: 200 m, 80 km/h, 1.5 m/s and two minutes.
func DefaultConfig() Config {
	return Config{
		RouteDeviationMeters: 200,
		SpeedLimit:           22.22,
		StopSpeed:            1.5,
		StopDuration:         120 * time.Second,
	}
}

// Engine evaluates samples against routes, the speed limit and the per-unit stop state.
type Engine struct {
	cfg Config

	routes      core.RouteStore
	states      core.RuntimeStateStore
	evaluations core.EvaluationStore

	locks  *unitLocks
	clock  clock.PassiveClock
	logger log.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for event creation times and latency.
func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine wires an engine to its stores. states is only read; every write goes through evaluations.
func NewEngine(cfg Config, routes core.RouteStore, states core.RuntimeStateStore, evaluations core.EvaluationStore, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		routes:      routes,
		states:      states,
		evaluations: evaluations,
		locks:       newUnitLocks(),
		clock:       clock.RealClock{},
		logger:      log.WithName("detection"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the thresholds the engine runs with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate persists the sample, runs every check and returns the stored sample id with the emitted events.
// A failed evaluation affects only this sample; the caller does not acknowledge it and the device resends.
func (e *Engine) Evaluate(ctx context.Context, unitID string, s *model.Sample) (int64, []*model.AnomalyEvent, error) {
	if err := Validate(s); err != nil {
		metrics.Samples.WithLabelValues("invalid").Inc()
		return 0, nil, err
	}

	start := e.clock.Now()
	defer func() { metrics.EvaluateLatency.Observe(e.clock.Since(start).Seconds()) }()

	unlock := e.locks.lock(unitID)
	defer unlock()

	s.UnitID = unitID

	var pending []*model.AnomalyEvent
	if ev := e.checkRoute(ctx, unitID, s); ev != nil {
		pending = append(pending, ev)
	}
	if ev := e.checkSpeed(unitID, s); ev != nil {
		pending = append(pending, ev)
	}

	state, err := e.loadState(ctx, unitID)
	if err != nil {
		metrics.Samples.WithLabelValues("failed").Inc()
		return 0, nil, fmt.Errorf("load runtime state: %w", core.Transient(err))
	}
	if ev := e.checkStop(unitID, state, s); ev != nil {
		pending = append(pending, ev)
	}

	ts := s.Timestamp
	state.LastSampleAt = &ts
	state.LastSpeed = s.Speed
	if len(pending) > 0 {
		state.LastEventAt = &ts
	}

	now := e.clock.Now()
	for _, ev := range pending {
		ev.CreatedAt = now
	}

	// The sample, its events and the advanced state land together. A failed commit leaves the stored
	// state untouched, so the resent sample is judged against the same stop episode again.
	if err := e.evaluations.CommitEvaluation(ctx, &core.Evaluation{Sample: s, Events: pending, State: state}); err != nil {
		metrics.Samples.WithLabelValues("failed").Inc()
		return 0, nil, fmt.Errorf("commit evaluation: %w", core.Transient(err))
	}

	for _, ev := range pending {
		metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
		e.logger.Info("Anomaly detected", "unitID", unitID, "kind", ev.Kind, "eventID", ev.ID, "sampleID", s.ID)
	}
	metrics.Samples.WithLabelValues("accepted").Inc()
	return s.ID, pending, nil
}

// Validate rejects samples that must not be persisted.
func Validate(s *model.Sample) error {
	switch {
	case s == nil:
		return core.Validationf("sample is required")
	case math.IsNaN(s.Lat) || s.Lat < -90 || s.Lat > 90:
		return core.Validationf("latitude %v out of range [-90, 90]", s.Lat)
	case math.IsNaN(s.Lon) || s.Lon < -180 || s.Lon > 180:
		return core.Validationf("longitude %v out of range [-180, 180]", s.Lon)
	case s.Speed != nil && (math.IsNaN(*s.Speed) || *s.Speed < 0):
		return core.Validationf("speed %v must be a non-negative number", *s.Speed)
	case s.Heading != nil && (math.IsNaN(*s.Heading) || *s.Heading < 0 || *s.Heading >= 360):
		return core.Validationf("heading %v out of range [0, 360)", *s.Heading)
	case s.Seq != nil && *s.Seq < 0:
		return core.Validationf("sequence number %d must not be negative", *s.Seq)
	case s.Timestamp.IsZero():
		return core.Validationf("timestamp is required")
	}
	return nil
}

// checkRoute never fails the evaluation: a missing route or an unavailable geometry only skips the check.
func (e *Engine) checkRoute(ctx context.Context, unitID string, s *model.Sample) *model.AnomalyEvent {
	assignment, err := e.routes.ActiveAssignment(ctx, unitID, s.Timestamp)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			e.logger.Error(err, "Route lookup failed, skipping deviation check", "unitID", unitID)
		}
		return nil
	}

	distance, err := e.routes.DistanceToRoute(ctx, assignment.RouteID, s.Point())
	if err != nil {
		e.logger.Error(err, "Route distance query failed, skipping deviation check", "unitID", unitID, "routeID", assignment.RouteID)
		return nil
	}
	if distance <= e.cfg.RouteDeviationMeters {
		return nil
	}

	return &model.AnomalyEvent{
		UnitID:    unitID,
		Kind:      model.EventKindOutOfRoute,
		Detail:    fmt.Sprintf("Unit %s is %.0f m off route %d (threshold %.0f m)", unitID, distance, assignment.RouteID, e.cfg.RouteDeviationMeters),
		Timestamp: s.Timestamp,
		Metadata: map[string]any{
			model.MetaRouteID:         assignment.RouteID,
			model.MetaDistanceMeters:  distance,
			model.MetaThresholdMeters: e.cfg.RouteDeviationMeters,
		},
	}
}

func (e *Engine) checkSpeed(unitID string, s *model.Sample) *model.AnomalyEvent {
	if s.Speed == nil || *s.Speed <= e.cfg.SpeedLimit {
		return nil
	}

	speed := *s.Speed
	return &model.AnomalyEvent{
		UnitID:    unitID,
		Kind:      model.EventKindOverspeed,
		Detail:    fmt.Sprintf("Unit %s at %.1f km/h exceeds the limit of %.1f km/h", unitID, speed*msToKmh, e.cfg.SpeedLimit*msToKmh),
		Timestamp: s.Timestamp,
		Metadata: map[string]any{
			model.MetaSpeed:    speed,
			model.MetaSpeedKmh: speed * msToKmh,
			model.MetaLimit:    e.cfg.SpeedLimit,
			model.MetaLimitKmh: e.cfg.SpeedLimit * msToKmh,
		},
	}
}

// checkStop advances the stop episode of st. At most one event is emitted per episode.
// A sample without speed leaves the episode untouched.
func (e *Engine) checkStop(unitID string, st *model.UnitRuntimeState, s *model.Sample) *model.AnomalyEvent {
	if s.Speed == nil {
		return nil
	}

	if *s.Speed > e.cfg.StopSpeed {
		if st.Stopped() {
			e.logger.Debug("Stop episode closed", "unitID", unitID, "since", *st.StopStartedAt)
		}
		st.StopStartedAt = nil
		st.StopAlertedAt = nil
		return nil
	}

	if !st.Stopped() {
		ts := s.Timestamp
		st.StopStartedAt = &ts
		st.StopAlertedAt = nil
		return nil
	}

	elapsed := s.Timestamp.Sub(*st.StopStartedAt)
	if elapsed < e.cfg.StopDuration || st.StopAlerted() {
		return nil
	}

	ts := s.Timestamp
	st.StopAlertedAt = &ts
	return &model.AnomalyEvent{
		UnitID:    unitID,
		Kind:      model.EventKindProlongedStop,
		Detail:    fmt.Sprintf("Unit %s stopped for %d s (threshold %d s)", unitID, int64(elapsed.Seconds()), int64(e.cfg.StopDuration.Seconds())),
		Timestamp: s.Timestamp,
		Metadata: map[string]any{
			model.MetaStopSeconds: elapsed.Seconds(),
			model.MetaStopSince:   st.StopStartedAt.UTC().Format(time.RFC3339),
		},
	}
}

// loadState treats a unit without a stored state as not stopped with no prior sample.
func (e *Engine) loadState(ctx context.Context, unitID string) (*model.UnitRuntimeState, error) {
	st, err := e.states.GetRuntimeState(ctx, unitID)
	if errors.Is(err, core.ErrNotFound) {
		return &model.UnitRuntimeState{UnitID: unitID}, nil
	}
	return st, err
}
