package core

import (
	"context"
	"time"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

// UnitStore gives read access to the units owned by the system of record.
type UnitStore interface {
	// GetUnit returns ErrNotFound when the unit does not exist.
	GetUnit(ctx context.Context, id string) (*model.Unit, error)
}

// CredentialStore persists hashed credentials keyed by digest.
type CredentialStore interface {
	// CreateCredential stores c and assigns its ID. A duplicate digest yields ErrConflict.
	CreateCredential(ctx context.Context, c *model.Credential) error

	// FindCredentialByDigest returns the credential with the given digest, or ErrNotFound.
	FindCredentialByDigest(ctx context.Context, digest []byte) (*model.Credential, error)

	// LatestCredential returns the newest non-revoked credential for the pair, expired or not.
	LatestCredential(ctx context.Context, unitID, deviceID string) (*model.Credential, error)

	// RevokeCredentialByDigest revokes the matching non-revoked credential and returns how many were revoked.
	RevokeCredentialByDigest(ctx context.Context, digest []byte) (int, error)

	// RevokeCredentials revokes every non-revoked credential of the pair.
	RevokeCredentials(ctx context.Context, unitID, deviceID string) (int, error)

	// TouchCredentials records last-used times by credential id.
	TouchCredentials(ctx context.Context, lastUsed map[int64]time.Time) error

	// DeleteCredentials removes revoked or expired (at now) credentials created before cutoff.
	DeleteCredentials(ctx context.Context, now, cutoff time.Time) (int, error)
}

// SampleStore is the append-only sample history.
type SampleStore interface {
	// AppendSample stores s, sets s.ID and returns it.
	AppendSample(ctx context.Context, s *model.Sample) (int64, error)

	// ListSamples returns the most recent samples of a unit, newest first.
	ListSamples(ctx context.Context, unitID string, limit int) ([]*model.Sample, error)
}

// EventStore is the durable anomaly event log.
type EventStore interface {
	// AppendEvent stores e, sets e.ID and returns it.
	AppendEvent(ctx context.Context, e *model.AnomalyEvent) (int64, error)

	GetEvent(ctx context.Context, id int64) (*model.AnomalyEvent, error)

	// ListEvents returns the most recent events of a unit, newest first.
	ListEvents(ctx context.Context, unitID string, limit int) ([]*model.AnomalyEvent, error)
}

// RouteStore resolves route assignments and answers geospatial distance queries.
type RouteStore interface {
	// ActiveAssignment returns the assignment covering at, the most recent start winning on overlap.
	// It returns ErrNotFound when the unit has no route at that time.
	ActiveAssignment(ctx context.Context, unitID string, at time.Time) (*model.RouteAssignment, error)

	// DistanceToRoute returns the distance in metres from p to the nearest point of the route geometry.
	DistanceToRoute(ctx context.Context, routeID int64, p model.Point) (float64, error)
}

// RuntimeStateStore persists the per-unit detection state.
type RuntimeStateStore interface {
	// GetRuntimeState returns ErrNotFound when no state has been saved for the unit yet.
	GetRuntimeState(ctx context.Context, unitID string) (*model.UnitRuntimeState, error)

	SaveRuntimeState(ctx context.Context, s *model.UnitRuntimeState) error
}

// Evaluation is everything one sample evaluation writes.
type Evaluation struct {
	Sample *model.Sample
	Events []*model.AnomalyEvent
	State  *model.UnitRuntimeState
}

// EvaluationStore commits the outcome of a sample evaluation.
type EvaluationStore interface {
	// CommitEvaluation appends the sample and its events and saves the runtime state in one transaction.
	// It sets the sample and event ids, each event's SampleID and the state's LastSampleID.
	// When it fails nothing is persisted, so the sample can be evaluated again from the previous state.
	CommitEvaluation(ctx context.Context, ev *Evaluation) error
}

// Store groups every persistence port behind one handle.
// It is implemented by the memory and postgres adapters.
type Store interface {
	Units() UnitStore
	Credentials() CredentialStore
	Samples() SampleStore
	Events() EventStore
	Routes() RouteStore
	RuntimeStates() RuntimeStateStore
	Evaluations() EvaluationStore

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	Close()
}
