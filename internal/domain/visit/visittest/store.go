// Package visittest provides an in-memory visit.Store for tests.
package visittest

import (
	"context"
	"sort"
	"sync"

	"github.com/drfirst/go-regimen/internal/domain/visit"
)

// Store is an in-memory visit.Store. It applies the same status, prescription,
// date and pagination rules as the database stores.
type Store struct {
	mu       sync.Mutex
	patients map[string]bool
	visits   []visit.Visit

	// Err, when set, is returned from every call
	Err error
	// Calls counts store calls
	Calls int
}

// New returns an empty store
func New() *Store {
	return &Store{patients: make(map[string]bool)}
}

// AddPatient registers a patient id
func (s *Store) AddPatient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[id] = true
}

// AddVisit registers the visit and its patient
func (s *Store) AddVisit(v visit.Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[v.PatientID] = true
	s.visits = append(s.visits, v)
}

func (s *Store) PatientExists(_ context.Context, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return false, s.Err
	}
	return s.patients[patientID], nil
}

func (s *Store) CompletedVisits(_ context.Context, patientID string, q visit.Query) ([]visit.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}

	matched := s.match(patientID, q)
	if q.Limit <= 0 {
		return matched, nil
	}
	start := q.Offset()
	if start >= len(matched) {
		return nil, nil
	}
	end := start + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (s *Store) CountCompletedVisits(_ context.Context, patientID string, q visit.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return 0, s.Err
	}
	return int64(len(s.match(patientID, q))), nil
}

func (s *Store) match(patientID string, q visit.Query) []visit.Visit {
	var out []visit.Visit
	for _, v := range s.visits {
		if v.PatientID != patientID || v.Status != visit.StatusCompleted || len(v.Prescriptions) == 0 {
			continue
		}
		if q.From != nil && v.Date.Before(*q.From) {
			continue
		}
		if q.To != nil && v.Date.After(*q.To) {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out
}
