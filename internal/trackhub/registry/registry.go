// Package registry tracks live device and observer sessions and fans unit updates out to subscribers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleettrack/internal/pkg/metrics"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/protocol"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

// Policy decides what happens when a device id connects while it already has a live session.
type Policy string

const (
	// PolicyReplace closes the previous session and keeps the newcomer.
	PolicyReplace Policy = "replace"
	// PolicyReject refuses the newcomer with core.ErrDeviceBusy.
	PolicyReject Policy = "reject"
)

// ParsePolicy validates a policy name. An empty name selects PolicyReplace.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", PolicyReplace:
		return PolicyReplace, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown device policy %q, want %q or %q", name, PolicyReplace, PolicyReject)
	}
}

// Closer is the handle the registry keeps for a device session.
// Close must not block on the registry.
type Closer interface {
	Close()
}

// Peer is the handle the registry keeps for an observer session.
type Peer interface {
	// Offer queues msg for delivery without blocking. False means the peer cannot keep up and will be evicted.
	Offer(msg protocol.Message) bool
	Close()
}

// DeviceInfo describes one registered device session.
type DeviceInfo struct {
	DeviceID    string    `json:"deviceId"`
	UnitID      string    `json:"unitId"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Devices   []DeviceInfo `json:"devices"`
	Observers int          `json:"observers"`
}

type deviceEntry struct {
	info   DeviceInfo
	closer Closer
}

type set map[string]struct{}

// Registry is the single ownership domain for session and subscription state.
// Every mutation happens under mu so no caller observes a half-applied update.
type Registry struct {
	mu sync.Mutex

	policy Policy
	clock  clock.PassiveClock
	logger log.Logger

	devices     map[string]*deviceEntry // device id
	unitDevices map[string]set          // unit id -> device ids
	lastSeen    map[string]time.Time    // unit id -> last activity of a closed session

	observers     map[string]Peer
	subscribers   map[string]set // unit id -> observer ids
	subscriptions map[string]set // observer id -> unit ids
}

// Option configures a Registry.
type Option func(*Registry)

func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) { r.clock = c }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		policy:        PolicyReplace,
		clock:         clock.RealClock{},
		logger:        log.WithName("registry"),
		devices:       make(map[string]*deviceEntry),
		unitDevices:   make(map[string]set),
		lastSeen:      make(map[string]time.Time),
		observers:     make(map[string]Peer),
		subscribers:   make(map[string]set),
		subscriptions: make(map[string]set),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterDevice records c as the live session of deviceID.
// Under PolicyReplace the previous session is closed; under PolicyReject the call fails with core.ErrDeviceBusy.
func (r *Registry) RegisterDevice(deviceID, unitID string, c Closer) error {
	now := r.clock.Now()

	r.mu.Lock()
	prev, exists := r.devices[deviceID]
	if exists && r.policy == PolicyReject {
		r.mu.Unlock()
		metrics.DeviceReplacements.WithLabelValues(string(PolicyReject)).Inc()
		return fmt.Errorf("device %s: %w", deviceID, core.ErrDeviceBusy)
	}
	if exists {
		r.removeDeviceLocked(deviceID, prev)
	}
	r.devices[deviceID] = &deviceEntry{
		info:   DeviceInfo{DeviceID: deviceID, UnitID: unitID, ConnectedAt: now, LastSeen: now},
		closer: c,
	}
	addTo(r.unitDevices, unitID, deviceID)
	r.mu.Unlock()

	metrics.DeviceSessions.Inc()
	if exists {
		metrics.DeviceReplacements.WithLabelValues(string(PolicyReplace)).Inc()
		r.logger.Info("Device reconnected, closing previous session", "deviceID", deviceID, "unitID", unitID)
		prev.closer.Close()
	}
	return nil
}

// UnregisterDevice removes deviceID only while c is still its registered session.
// It reports whether an entry was removed; a replaced session gets false and must not announce a disconnect.
func (r *Registry) UnregisterDevice(deviceID string, c Closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.devices[deviceID]
	if !ok || entry.closer != c {
		return false
	}
	r.removeDeviceLocked(deviceID, entry)
	return true
}

func (r *Registry) removeDeviceLocked(deviceID string, entry *deviceEntry) {
	delete(r.devices, deviceID)
	removeFrom(r.unitDevices, entry.info.UnitID, deviceID)
	r.lastSeen[entry.info.UnitID] = r.clock.Now()
	metrics.DeviceSessions.Dec()
}

// Touch records activity on a device session.
func (r *Registry) Touch(deviceID string) {
	now := r.clock.Now()

	r.mu.Lock()
	if entry, ok := r.devices[deviceID]; ok {
		entry.info.LastSeen = now
	}
	r.mu.Unlock()
}

// Connected reports whether any device session is live for unitID and when the unit was last seen.
func (r *Registry) Connected(unitID string) (bool, *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked(unitID)
}

func (r *Registry) connectedLocked(unitID string) (bool, *time.Time) {
	var latest time.Time
	for deviceID := range r.unitDevices[unitID] {
		if seen := r.devices[deviceID].info.LastSeen; seen.After(latest) {
			latest = seen
		}
	}
	if !latest.IsZero() {
		return true, &latest
	}
	if seen, ok := r.lastSeen[unitID]; ok {
		return false, &seen
	}
	return false, nil
}

// RegisterObserver adds an observer with no subscriptions.
func (r *Registry) RegisterObserver(observerID string, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.observers[observerID]; ok {
		return fmt.Errorf("observer %s: %w", observerID, core.ErrConflict)
	}
	r.observers[observerID] = p
	metrics.ObserverSessions.Inc()
	return nil
}

// UnregisterObserver removes the observer and prunes its subscriptions. Unknown ids are ignored.
func (r *Registry) UnregisterObserver(observerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeObserverLocked(observerID)
}

func (r *Registry) removeObserverLocked(observerID string) bool {
	if _, ok := r.observers[observerID]; !ok {
		return false
	}
	delete(r.observers, observerID)
	for unitID := range r.subscriptions[observerID] {
		removeFrom(r.subscribers, unitID, observerID)
	}
	delete(r.subscriptions, observerID)
	metrics.ObserverSessions.Dec()
	return true
}

// ErrUnknownObserver is returned when a subscription names an observer that is not registered.
var ErrUnknownObserver = errors.New("observer not registered")

// Subscribe adds unitIDs to the observer's subscriptions. Repeated ids are no-ops.
func (r *Registry) Subscribe(observerID string, unitIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.observers[observerID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, observerID)
	}
	for _, unitID := range unitIDs {
		addTo(r.subscribers, unitID, observerID)
		addTo(r.subscriptions, observerID, unitID)
	}
	return nil
}

// Unsubscribe removes unitIDs from the observer's subscriptions. Ids it was not subscribed to are ignored.
func (r *Registry) Unsubscribe(observerID string, unitIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.observers[observerID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, observerID)
	}
	for _, unitID := range unitIDs {
		removeFrom(r.subscribers, unitID, observerID)
		removeFrom(r.subscriptions, observerID, unitID)
	}
	return nil
}

// Subscriptions returns the sorted unit ids the observer follows.
func (r *Registry) Subscriptions(observerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.subscriptions[observerID])
}

// Publish offers msg to every observer subscribed to unitID.
// Offers happen under the registry lock so each observer sees a unit's messages in publish order.
// An observer that refuses an offer is evicted and closed; the others are unaffected.
func (r *Registry) Publish(unitID string, msg protocol.Message) int {
	protocol.Stamp(msg)

	var evicted []Peer
	delivered := 0

	r.mu.Lock()
	for observerID := range r.subscribers[unitID] {
		peer := r.observers[observerID]
		if peer.Offer(msg) {
			delivered++
			continue
		}
		r.removeObserverLocked(observerID)
		evicted = append(evicted, peer)
		r.logger.Warn("Observer too slow, evicting", "observerID", observerID, "unitID", unitID)
	}
	r.mu.Unlock()

	metrics.Published.WithLabelValues(string(msg.MessageType())).Add(float64(delivered))
	for _, peer := range evicted {
		metrics.ObserverEvictions.Inc()
		peer.Close()
	}
	return delivered
}

// PublishConnectionState tells the unit's subscribers whether it has a live device session.
func (r *Registry) PublishConnectionState(unitID string) {
	r.Publish(unitID, r.ConnectionState(unitID))
}

// ConnectionState builds the CONNECTION_STATE message for unitID.
func (r *Registry) ConnectionState(unitID string) *protocol.ConnectionState {
	connected, lastSeen := r.Connected(unitID)
	return &protocol.ConnectionState{UnitID: unitID, IsConnected: connected, LastSeen: lastSeen}
}

// Sessions returns a snapshot of registered devices, sorted by device id, and the observer count.
func (r *Registry) Sessions() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Devices: make([]DeviceInfo, 0, len(r.devices)), Observers: len(r.observers)}
	for _, entry := range r.devices {
		snap.Devices = append(snap.Devices, entry.info)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].DeviceID < snap.Devices[j].DeviceID })
	return snap
}

// CloseAll closes every registered session. Sessions unregister themselves as they wind down.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	closers := make([]func(), 0, len(r.devices)+len(r.observers))
	for _, entry := range r.devices {
		closers = append(closers, entry.closer.Close)
	}
	for _, peer := range r.observers {
		closers = append(closers, peer.Close)
	}
	r.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
}

func addTo(m map[string]set, key, member string) {
	s, ok := m[key]
	if !ok {
		s = make(set)
		m[key] = s
	}
	s[member] = struct{}{}
}

func removeFrom(m map[string]set, key, member string) {
	s, ok := m[key]
	if !ok {
		return
	}
	delete(s, member)
	if len(s) == 0 {
		delete(m, key)
	}
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
