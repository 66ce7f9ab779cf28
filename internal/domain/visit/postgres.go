package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore reads visits from the clinic schema. Prescriptions are held as
// a JSONB array on the visits row; doctors are joined from the users table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new Postgres-backed visit store
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// PatientExists reports whether a patient row exists
func (s *PostgresStore) PatientExists(ctx context.Context, patientID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, patientID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check patient: %w", err)
	}
	return exists, nil
}

// CompletedVisits returns the patient's completed visits, newest first
func (s *PostgresStore) CompletedVisits(ctx context.Context, patientID string, q Query) ([]Visit, error) {
	query, args := buildVisitQuery(patientID, q, false)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	var visits []Visit
	for rows.Next() {
		var (
			v         Visit
			status    string
			raw       []byte
			name      *string
			specialty *string
		)
		if err := rows.Scan(&v.ID, &v.PatientID, &v.Date, &status, &v.Doctor.ID, &name, &specialty, &raw); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		v.Status = Status(status)
		if name != nil {
			v.Doctor.Name = *name
		}
		if specialty != nil {
			v.Doctor.Specialty = *specialty
		}
		prescriptions, skipped := decodePrescriptions(raw)
		if len(skipped) > 0 {
			s.logger.Warn("skipping malformed prescription lines",
				zap.String("visit_id", v.ID),
				zap.Ints("lines", skipped),
			)
		}
		v.Prescriptions = prescriptions
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// CountCompletedVisits counts visits matching q, ignoring pagination
func (s *PostgresStore) CountCompletedVisits(ctx context.Context, patientID string, q Query) (int64, error) {
	query, args := buildVisitQuery(patientID, q, true)

	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visits: %w", err)
	}
	return n, nil
}

func buildVisitQuery(patientID string, q Query, count bool) (string, []any) {
	var b strings.Builder
	args := []any{patientID, string(StatusCompleted)}

	if count {
		b.WriteString(`SELECT COUNT(*) FROM visits v`)
	} else {
		b.WriteString(`SELECT v.id, v.patient_id, v.visit_date, v.status, v.doctor_id,
		       u.full_name, u.specialty, v.prescriptions
		FROM visits v
		LEFT JOIN users u ON u.id = v.doctor_id`)
	}
	b.WriteString(`
		WHERE v.patient_id = $1
		  AND v.status = $2
		  AND jsonb_array_length(COALESCE(v.prescriptions, '[]'::jsonb)) > 0`)

	addBound := func(op string, t *time.Time) {
		if t == nil {
			return
		}
		args = append(args, *t)
		fmt.Fprintf(&b, "\n\t\t  AND v.visit_date %s $%d", op, len(args))
	}
	addBound(">=", q.From)
	addBound("<=", q.To)

	if count {
		return b.String(), args
	}

	b.WriteString("\n\t\tORDER BY v.visit_date DESC, v.id")
	if q.Limit > 0 {
		args = append(args, q.Limit, q.Offset())
		fmt.Fprintf(&b, "\n\t\tLIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	return b.String(), args
}

// decodePrescriptions decodes a JSONB prescription array line by line. Scalar
// fields are coerced to strings; lines that cannot be read are reported by
// index and left out.
func decodePrescriptions(raw []byte) ([]Prescription, []int) {
	var lines []json.RawMessage
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, []int{0}
	}

	out := make([]Prescription, 0, len(lines))
	var skipped []int
	for i, line := range lines {
		p, err := decodePrescription(line)
		if err != nil {
			skipped = append(skipped, i)
			continue
		}
		out = append(out, p)
	}
	return out, skipped
}

func decodePrescription(line json.RawMessage) (Prescription, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Prescription{}, err
	}
	if fields == nil {
		return Prescription{}, errors.New("null prescription")
	}

	var p Prescription
	for key, dst := range map[string]*string{
		"medicationName": &p.MedicationName,
		"dosage":         &p.Dosage,
		"frequency":      &p.Frequency,
		"duration":       &p.Duration,
		"instructions":   &p.Instructions,
	} {
		v, err := scalarString(fields[key])
		if err != nil {
			return Prescription{}, fmt.Errorf("%s: %w", key, err)
		}
		*dst = v
	}
	if strings.TrimSpace(p.MedicationName) == "" {
		return Prescription{}, errors.New("missing medicationName")
	}
	return p, nil
}

// scalarString reads a JSON string, number or bool as text. Null and absent
// values are empty.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64, bool:
		return strings.TrimSpace(string(raw)), nil
	default:
		return "", fmt.Errorf("unexpected %T", v)
	}
}
