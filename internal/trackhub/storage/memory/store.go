// Package memory is a process-local implementation of every store port.
// It backs development setups and tests; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
	"github.com/autopeer-io/fleettrack/internal/trackhub/geo"
)

var _ core.Store = (*Store)(nil)

// Store keeps all hub data in maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	units map[string]*model.Unit

	credentials map[int64]*model.Credential
	byDigest    map[string]int64

	samples map[string][]*model.Sample
	events  map[int64]*model.AnomalyEvent
	byUnit  map[string][]int64

	routes      map[int64]*model.Route
	assignments []*model.RouteAssignment

	states map[string]*model.UnitRuntimeState

	lastCredentialID int64
	lastSampleID     int64
	lastEventID      int64
	lastRouteID      int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		units:       make(map[string]*model.Unit),
		credentials: make(map[int64]*model.Credential),
		byDigest:    make(map[string]int64),
		samples:     make(map[string][]*model.Sample),
		events:      make(map[int64]*model.AnomalyEvent),
		byUnit:      make(map[string][]int64),
		routes:      make(map[int64]*model.Route),
		states:      make(map[string]*model.UnitRuntimeState),
	}
}

func (s *Store) Units() core.UnitStore                 { return s }
func (s *Store) Credentials() core.CredentialStore     { return s }
func (s *Store) Samples() core.SampleStore             { return s }
func (s *Store) Events() core.EventStore               { return s }
func (s *Store) Evaluations() core.EvaluationStore     { return s }
func (s *Store) Routes() core.RouteStore               { return s }
func (s *Store) RuntimeStates() core.RuntimeStateStore { return s }

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

// PutUnit creates or replaces a unit.
func (s *Store) PutUnit(u model.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.ID] = &u
}

// PutRoute stores a route and returns its id, assigning one when r.ID is zero.
func (s *Store) PutRoute(r model.Route) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == 0 {
		s.lastRouteID++
		r.ID = s.lastRouteID
	} else if r.ID > s.lastRouteID {
		s.lastRouteID = r.ID
	}
	r.Path = append([]model.Point(nil), r.Path...)
	s.routes[r.ID] = &r
	return r.ID
}

// AssignRoute records a route assignment.
func (s *Store) AssignRoute(a model.RouteAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[a.RouteID]; !ok {
		return fmt.Errorf("route %d: %w", a.RouteID, core.ErrNotFound)
	}
	s.assignments = append(s.assignments, &a)
	return nil
}

func (s *Store) GetUnit(_ context.Context, id string) (*model.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.units[id]
	if !ok {
		return nil, fmt.Errorf("unit %q: %w", id, core.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreateCredential(_ context.Context, c *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(c.Digest)
	if _, ok := s.byDigest[key]; ok {
		return fmt.Errorf("credential digest: %w", core.ErrConflict)
	}

	s.lastCredentialID++
	c.ID = s.lastCredentialID
	s.credentials[c.ID] = cloneCredential(c)
	s.byDigest[key] = c.ID
	return nil
}

func (s *Store) FindCredentialByDigest(_ context.Context, digest []byte) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDigest[string(digest)]
	if !ok {
		return nil, fmt.Errorf("credential: %w", core.ErrNotFound)
	}
	return cloneCredential(s.credentials[id]), nil
}

func (s *Store) LatestCredential(_ context.Context, unitID, deviceID string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Credential
	for _, c := range s.credentials {
		if c.UnitID != unitID || c.DeviceID != deviceID || c.Revoked {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("credential for %s/%s: %w", unitID, deviceID, core.ErrNotFound)
	}
	return cloneCredential(latest), nil
}

func (s *Store) RevokeCredentialByDigest(_ context.Context, digest []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDigest[string(digest)]
	if !ok || s.credentials[id].Revoked {
		return 0, nil
	}
	s.credentials[id].Revoked = true
	return 1, nil
}

func (s *Store) RevokeCredentials(_ context.Context, unitID, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.credentials {
		if c.UnitID == unitID && c.DeviceID == deviceID && !c.Revoked {
			c.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *Store) TouchCredentials(_ context.Context, lastUsed map[int64]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, at := range lastUsed {
		if c, ok := s.credentials[id]; ok {
			t := at
			c.LastUsedAt = &t
		}
	}
	return nil
}

func (s *Store) DeleteCredentials(_ context.Context, now, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.credentials {
		if c.Reapable(now, cutoff) {
			delete(s.byDigest, string(c.Digest))
			delete(s.credentials, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendSample(_ context.Context, sample *model.Sample) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendSampleLocked(sample), nil
}

func (s *Store) appendSampleLocked(sample *model.Sample) int64 {
	s.lastSampleID++
	sample.ID = s.lastSampleID
	cp := *sample
	s.samples[sample.UnitID] = append(s.samples[sample.UnitID], &cp)
	return sample.ID
}

func (s *Store) ListSamples(_ context.Context, unitID string, limit int) ([]*model.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.samples[unitID]
	out := make([]*model.Sample, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, e *model.AnomalyEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendEventLocked(e), nil
}

func (s *Store) appendEventLocked(e *model.AnomalyEvent) int64 {
	s.lastEventID++
	e.ID = s.lastEventID
	cp := *e
	s.events[e.ID] = &cp
	s.byUnit[e.UnitID] = append(s.byUnit[e.UnitID], e.ID)
	return e.ID
}

// CommitEvaluation writes the whole evaluation under one lock, so readers never see part of it.
func (s *Store) CommitEvaluation(_ context.Context, ev *core.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sampleID := s.appendSampleLocked(ev.Sample)
	for _, e := range ev.Events {
		e.SampleID = sampleID
		s.appendEventLocked(e)
	}
	ev.State.LastSampleID = sampleID
	cp := *ev.State
	s.states[cp.UnitID] = &cp
	return nil
}

func (s *Store) GetEvent(_ context.Context, id int64) (*model.AnomalyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, core.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListEvents(_ context.Context, unitID string, limit int) ([]*model.AnomalyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUnit[unitID]
	out := make([]*model.AnomalyEvent, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.events[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ActiveAssignment(_ context.Context, unitID string, at time.Time) (*model.RouteAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*model.RouteAssignment, 0, 1)
	for _, a := range s.assignments {
		if a.UnitID == unitID && a.Covers(at) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("route for unit %q: %w", unitID, core.ErrNotFound)
	}

	// Most recent start wins; later insertions break ties.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Start.After(candidates[j].Start) })
	cp := *candidates[0]
	return &cp, nil
}

func (s *Store) DistanceToRoute(_ context.Context, routeID int64, p model.Point) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routes[routeID]
	if !ok {
		return 0, fmt.Errorf("route %d: %w", routeID, core.ErrNotFound)
	}
	return geo.DistanceToPolyline(p, r.Path), nil
}

func (s *Store) GetRuntimeState(_ context.Context, unitID string) (*model.UnitRuntimeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[unitID]
	if !ok {
		return nil, fmt.Errorf("runtime state of %q: %w", unitID, core.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SaveRuntimeState(_ context.Context, st *model.UnitRuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.states[st.UnitID] = &cp
	return nil
}

func cloneCredential(c *model.Credential) *model.Credential {
	cp := *c
	cp.Digest = append([]byte(nil), c.Digest...)
	return &cp
}
