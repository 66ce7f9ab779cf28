// Package regimen implements medication regimen scheduling and activity inference
// over clinician-authored, bilingual (Arabic/English) prescription text.
package regimen

import "time"

// PrescriptionRecord is a single prescription line taken from a completed visit.
type PrescriptionRecord struct {
	MedicationName             string    `json:"medicationName"`
	Dosage                     string    `json:"dosage"`
	Frequency                  string    `json:"frequency"`
	Duration                   string    `json:"duration,omitempty"`
	Instructions               string    `json:"instructions,omitempty"`
	PrescribedDate             time.Time `json:"prescribedDate"`
	PrescribingDoctorRef       string    `json:"prescribingDoctorId"`
	PrescribingDoctorName      string    `json:"prescribingDoctor"`
	PrescribingDoctorSpecialty string    `json:"doctorSpecialty,omitempty"`
	VisitRef                   string    `json:"visitId"`
}

// EvaluatedPrescription is a record flagged against the clock at query time.
// It is never persisted.
type EvaluatedPrescription struct {
	PrescriptionRecord
	IsActive bool `json:"isActive"`
}

// WindowKind identifies the shape of an activity window
type WindowKind string

const (
	WindowContinuous    WindowKind = "continuous"
	WindowBoundedDays   WindowKind = "days"
	WindowBoundedWeeks  WindowKind = "weeks"
	WindowBoundedMonths WindowKind = "months"
	WindowUnknown       WindowKind = "unknown"
)

// ActivityWindow is the structured form of a duration text.
// Count is only meaningful for the bounded kinds.
type ActivityWindow struct {
	Kind  WindowKind
	Count int
}

// Continuous returns the open-ended window
func Continuous() ActivityWindow { return ActivityWindow{Kind: WindowContinuous} }

// BoundedDays returns a window of n days
func BoundedDays(n int) ActivityWindow { return ActivityWindow{Kind: WindowBoundedDays, Count: n} }

// BoundedWeeks returns a window of n weeks
func BoundedWeeks(n int) ActivityWindow { return ActivityWindow{Kind: WindowBoundedWeeks, Count: n} }

// BoundedMonths returns a window of n calendar months
func BoundedMonths(n int) ActivityWindow { return ActivityWindow{Kind: WindowBoundedMonths, Count: n} }

// Unknown returns the window used when no pattern matches
func Unknown() ActivityWindow { return ActivityWindow{Kind: WindowUnknown} }

// DosingSlot is one scheduled intake of a medication
type DosingSlot struct {
	Time           string `json:"time"`
	MedicationName string `json:"medicationName"`
	Dosage         string `json:"dosage"`
	Instructions   string `json:"instructions,omitempty"`
}

// DaySchedule holds the ordered dosing slots for one weekday
type DaySchedule struct {
	Day         string       `json:"day"`
	DayLocal    string       `json:"dayLocal"`
	DayIndex    int          `json:"dayIndex"`
	Medications []DosingSlot `json:"medications"`
}

// WeeklySchedule always has exactly seven days, Saturday first.
type WeeklySchedule []DaySchedule

// WarningType classifies a safety warning
type WarningType string

const (
	WarningDuplicate    WarningType = "DUPLICATE"
	WarningPolypharmacy WarningType = "POLYPHARMACY"
)

// Severity levels used by warnings
const (
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// PolypharmacyThreshold is the active-set size at which a POLYPHARMACY warning is raised
const PolypharmacyThreshold = 5

// Warning is an advisory safety signal. It is never a hard error.
type Warning struct {
	Type        WarningType `json:"type"`
	Severity    string      `json:"severity"`
	Message     string      `json:"message"`
	Medications []string    `json:"medications,omitempty"`
	Count       int         `json:"count,omitempty"`
}

// Interaction is reserved for drug-interaction database results.
// Analyze always returns an empty list of them.
type Interaction struct {
	Medications []string `json:"medications"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
}

// SafetyReport is the output of Analyze
type SafetyReport struct {
	Interactions []Interaction `json:"interactions"`
	Warnings     []Warning     `json:"warnings"`
}
