package visit

import (
	"context"

	"github.com/drfirst/go-regimen/pkg/circuitbreaker"
)

// GuardedStore routes every Store call through a circuit breaker. Rejections
// by an open breaker surface as ErrStoreUnavailable.
type GuardedStore struct {
	next    Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps next with breaker
func NewGuardedStore(next Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

// PatientExists checks the patient through the breaker
func (g *GuardedStore) PatientExists(ctx context.Context, patientID string) (bool, error) {
	ok, err := circuitbreaker.Do(ctx, g.breaker, "patient_exists", func(ctx context.Context) (bool, error) {
		return g.next.PatientExists(ctx, patientID)
	})
	return ok, translate(err)
}

// CompletedVisits reads visits through the breaker
func (g *GuardedStore) CompletedVisits(ctx context.Context, patientID string, q Query) ([]Visit, error) {
	visits, err := circuitbreaker.Do(ctx, g.breaker, "completed_visits", func(ctx context.Context) ([]Visit, error) {
		return g.next.CompletedVisits(ctx, patientID, q)
	})
	return visits, translate(err)
}

// CountCompletedVisits counts visits through the breaker
func (g *GuardedStore) CountCompletedVisits(ctx context.Context, patientID string, q Query) (int64, error) {
	n, err := circuitbreaker.Do(ctx, g.breaker, "count_visits", func(ctx context.Context) (int64, error) {
		return g.next.CountCompletedVisits(ctx, patientID, q)
	})
	return n, translate(err)
}

// State reports the breaker state for health checks
func (g *GuardedStore) State() circuitbreaker.State {
	return g.breaker.State()
}

func translate(err error) error {
	if err != nil && circuitbreaker.IsOpen(err) {
		return ErrStoreUnavailable
	}
	return err
}
