package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

func (s *Store) GetRuntimeState(ctx context.Context, unitID string) (*model.UnitRuntimeState, error) {
	var st model.UnitRuntimeState
	err := s.pool.QueryRow(ctx, `
		SELECT unit_id, last_sample_id, last_sample_at, last_speed, stop_started_at, stop_alerted_at, last_event_at
		FROM unit_runtime_state WHERE unit_id = $1
	`, unitID).Scan(&st.UnitID, &st.LastSampleID, &st.LastSampleAt, &st.LastSpeed, &st.StopStartedAt, &st.StopAlertedAt, &st.LastEventAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &st, nil
}

func (s *Store) SaveRuntimeState(ctx context.Context, st *model.UnitRuntimeState) error {
	return saveRuntimeState(ctx, s.pool, st)
}

func saveRuntimeState(ctx context.Context, q querier, st *model.UnitRuntimeState) error {
	_, err := q.Exec(ctx, `
		INSERT INTO unit_runtime_state
			(unit_id, last_sample_id, last_sample_at, last_speed, stop_started_at, stop_alerted_at, last_event_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (unit_id) DO UPDATE SET
			last_sample_id  = EXCLUDED.last_sample_id,
			last_sample_at  = EXCLUDED.last_sample_at,
			last_speed      = EXCLUDED.last_speed,
			stop_started_at = EXCLUDED.stop_started_at,
			stop_alerted_at = EXCLUDED.stop_alerted_at,
			last_event_at   = EXCLUDED.last_event_at,
			updated_at      = now()
	`, st.UnitID, st.LastSampleID, st.LastSampleAt, st.LastSpeed, st.StopStartedAt, st.StopAlertedAt, st.LastEventAt)
	return mapError(err)
}

// CommitEvaluation runs the sample, event and state writes in one transaction.
func (s *Store) CommitEvaluation(ctx context.Context, ev *core.Evaluation) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sampleID, err := appendSample(ctx, tx, ev.Sample)
		if err != nil {
			return err
		}
		for _, e := range ev.Events {
			e.SampleID = sampleID
			if _, err := appendEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		ev.State.LastSampleID = sampleID
		return saveRuntimeState(ctx, tx, ev.State)
	})
	return mapError(err)
}
