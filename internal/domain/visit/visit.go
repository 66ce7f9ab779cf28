// Package visit provides read access to completed visits and the prescription
// lines recorded on them.
package visit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
)

// Status represents visit status
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ErrPatientNotFound is returned when the patient does not exist
var ErrPatientNotFound = errors.New("patient not found")

// ErrStoreUnavailable is returned while the store breaker is open
var ErrStoreUnavailable = errors.New("visit store unavailable")

// Doctor is the prescribing doctor as resolved from the visit's doctor reference
type Doctor struct {
	ID        string
	Name      string
	Specialty string
}

// Prescription is a prescription line as authored on the visit
type Prescription struct {
	MedicationName string `json:"medicationName" bson:"medicationName"`
	Dosage         string `json:"dosage" bson:"dosage"`
	Frequency      string `json:"frequency" bson:"frequency"`
	Duration       string `json:"duration,omitempty" bson:"duration,omitempty"`
	Instructions   string `json:"instructions,omitempty" bson:"instructions,omitempty"`
}

// Visit is a patient visit with its embedded prescription list
type Visit struct {
	ID            string
	PatientID     string
	Date          time.Time
	Status        Status
	Doctor        Doctor
	Prescriptions []Prescription
}

// Query narrows the visits returned by a Store. Zero values mean no bound.
// Page is 1-based; Limit <= 0 returns every matching visit.
type Query struct {
	From  *time.Time
	To    *time.Time
	Page  int
	Limit int
}

// Offset returns the number of visits skipped for the query's page
func (q Query) Offset() int {
	if q.Limit <= 0 || q.Page <= 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// Store reads completed visits that carry at least one prescription, newest first.
type Store interface {
	PatientExists(ctx context.Context, patientID string) (bool, error)
	CompletedVisits(ctx context.Context, patientID string, q Query) ([]Visit, error)
	CountCompletedVisits(ctx context.Context, patientID string, q Query) (int64, error)
}

// Locale selects the language used for display strings
type Locale string

const (
	LocaleArabic  Locale = "ar"
	LocaleEnglish Locale = "en"
)

// ParseLocale reads a lang value or Accept-Language header, falling back to def.
func ParseLocale(s string, def Locale) Locale {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "ar"):
		return LocaleArabic
	case strings.HasPrefix(s, "en"):
		return LocaleEnglish
	}
	return def
}

// DoctorDisplayName prefixes the doctor's name with the localized title.
func DoctorDisplayName(name string, locale Locale) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if locale == LocaleEnglish {
		return "Dr. " + name
	}
	return "د. " + name
}

// Records flattens the visit's prescriptions into engine records carrying the
// visit date and doctor context. Lines without a medication name are skipped.
func (v Visit) Records(locale Locale) []regimen.PrescriptionRecord {
	out := make([]regimen.PrescriptionRecord, 0, len(v.Prescriptions))
	for _, p := range v.Prescriptions {
		if strings.TrimSpace(p.MedicationName) == "" {
			continue
		}
		out = append(out, regimen.PrescriptionRecord{
			MedicationName:             p.MedicationName,
			Dosage:                     p.Dosage,
			Frequency:                  p.Frequency,
			Duration:                   p.Duration,
			Instructions:               p.Instructions,
			PrescribedDate:             v.Date,
			PrescribingDoctorRef:       v.Doctor.ID,
			PrescribingDoctorName:      DoctorDisplayName(v.Doctor.Name, locale),
			PrescribingDoctorSpecialty: v.Doctor.Specialty,
			VisitRef:                   v.ID,
		})
	}
	return out
}
