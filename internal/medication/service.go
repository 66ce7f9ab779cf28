// Package medication aggregates a patient's visit history into the current
// medication, schedule, history and interaction views.
package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/domain/visit"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
)

// ErrInvalidFilter is returned for unusable history filters
var ErrInvalidFilter = errors.New("invalid filter")

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

// Service is the medication aggregator
type Service struct {
	store     visit.Store
	evaluator regimen.Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the wall clock used for activity evaluation
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEvaluator overrides the unknown-duration fallback windows
func WithEvaluator(e regimen.Evaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// NewService creates a new aggregator over store
func NewService(store visit.Store, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Service{
		store:     store,
		evaluator: regimen.NewEvaluator(),
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("medication-service"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HistoryFilter narrows the history view. Dates bound the visit date
// inclusively; MedicationName is a case-sensitive substring.
type HistoryFilter struct {
	From           *time.Time
	To             *time.Time
	MedicationName string
	Page           int
	Limit          int
}

// Statistics summarises the returned history page
type Statistics struct {
	TotalPrescriptions int `json:"totalPrescriptions"`
	UniqueMedications  int `json:"uniqueMedications"`
	ActiveMedications  int `json:"activeMedications"`
}

// Pagination describes the visit-level page
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

// History is the medication history view
type History struct {
	History    []regimen.EvaluatedPrescription `json:"history"`
	Statistics Statistics                      `json:"statistics"`
	Pagination Pagination                      `json:"pagination"`
}

// Summary is one entry of the de-duplicated schedule summary
type Summary struct {
	MedicationName    string    `json:"medicationName"`
	Dosage            string    `json:"dosage"`
	Frequency         string    `json:"frequency"`
	Duration          string    `json:"duration,omitempty"`
	PrescribingDoctor string    `json:"prescribingDoctor"`
	PrescribedDate    time.Time `json:"prescribedDate"`
}

// Schedule is the medication schedule view
type Schedule struct {
	WeeklySchedule regimen.WeeklySchedule `json:"weeklySchedule"`
	Medications    []Summary              `json:"medications"`
}

// Interactions is the interaction check view
type Interactions struct {
	Interactions    []regimen.Interaction `json:"interactions"`
	Warnings        []regimen.Warning     `json:"warnings"`
	MedicationCount int                   `json:"medicationCount"`
}

// CurrentMedications returns the patient's active prescriptions, newest visit first
func (s *Service) CurrentMedications(ctx context.Context, patientID string, locale visit.Locale) (_ []regimen.EvaluatedPrescription, err error) {
	ctx, done := s.begin(ctx, "current_medications", patientID)
	defer func() { done(err) }()

	return s.activeSet(ctx, patientID, locale)
}

// Schedule builds the weekly dosing calendar for the active set
func (s *Service) Schedule(ctx context.Context, patientID string, locale visit.Locale) (_ *Schedule, err error) {
	ctx, done := s.begin(ctx, "medication_schedule", patientID)
	defer func() { done(err) }()

	active, err := s.activeSet(ctx, patientID, locale)
	if err != nil {
		return nil, err
	}

	for _, med := range active {
		if regimen.ResolveFrequencyDetailed(med.Frequency).Fallback {
			s.metrics.FrequencyFallbacks.Inc()
		}
	}

	return &Schedule{
		WeeklySchedule: regimen.BuildWeeklySchedule(active),
		Medications:    summarize(active),
	}, nil
}

// Interactions runs the safety analysis over the active set
func (s *Service) Interactions(ctx context.Context, patientID string, locale visit.Locale) (_ *Interactions, err error) {
	ctx, done := s.begin(ctx, "medication_interactions", patientID)
	defer func() { done(err) }()

	active, err := s.activeSet(ctx, patientID, locale)
	if err != nil {
		return nil, err
	}

	report := s.analyze(active)
	return &Interactions{
		Interactions:    report.Interactions,
		Warnings:        report.Warnings,
		MedicationCount: len(active),
	}, nil
}

// analyze runs the safety analysis and records warning metrics
func (s *Service) analyze(active []regimen.EvaluatedPrescription) regimen.SafetyReport {
	report := regimen.Analyze(active)
	for _, w := range report.Warnings {
		s.metrics.SafetyWarnings.WithLabelValues(string(w.Type)).Inc()
	}
	return report
}

// SafetyReport returns the current active set and its safety report
func (s *Service) SafetyReport(ctx context.Context, patientID string) (_ []regimen.EvaluatedPrescription, _ regimen.SafetyReport, err error) {
	ctx, done := s.begin(ctx, "safety_report", patientID)
	defer func() { done(err) }()

	active, err := s.activeSet(ctx, patientID, visit.LocaleEnglish)
	if err != nil {
		return nil, regimen.SafetyReport{}, err
	}
	return active, s.analyze(active), nil
}

// History returns every prescription on the requested page of visits, each
// flagged with its standalone activity.
func (s *Service) History(ctx context.Context, patientID string, f HistoryFilter, locale visit.Locale) (_ *History, err error) {
	ctx, done := s.begin(ctx, "medication_history", patientID)
	defer func() { done(err) }()

	if f.Page == 0 {
		f.Page = DefaultPage
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if err := f.validate(); err != nil {
		return nil, err
	}

	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}

	q := visit.Query{From: f.From, To: f.To, Page: f.Page, Limit: f.Limit}
	visits, err := s.store.CompletedVisits(ctx, patientID, q)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	total, err := s.store.CountCompletedVisits(ctx, patientID, q)
	if err != nil {
		return nil, fmt.Errorf("count visits: %w", err)
	}

	evaluated := s.evaluate(flatten(visits, locale), regimen.ViewHistory)

	history := make([]regimen.EvaluatedPrescription, 0, len(evaluated))
	for _, med := range evaluated {
		if f.MedicationName != "" && !strings.Contains(med.MedicationName, f.MedicationName) {
			continue
		}
		history = append(history, med)
	}

	return &History{
		History:    history,
		Statistics: statistics(history),
		Pagination: Pagination{
			Page:  f.Page,
			Limit: f.Limit,
			Total: total,
			Pages: (total + int64(f.Limit) - 1) / int64(f.Limit),
		},
	}, nil
}

func (f HistoryFilter) validate() error {
	if f.Page < 1 {
		return fmt.Errorf("%w: page must be at least 1", ErrInvalidFilter)
	}
	if f.Limit < 1 || f.Limit > MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidFilter, MaxLimit)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return fmt.Errorf("%w: startDate is after endDate", ErrInvalidFilter)
	}
	return nil
}

func (s *Service) activeSet(ctx context.Context, patientID string, locale visit.Locale) ([]regimen.EvaluatedPrescription, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}

	visits, err := s.store.CompletedVisits(ctx, patientID, visit.Query{})
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}

	return regimen.ActiveOnly(s.evaluate(flatten(visits, locale), regimen.ViewCurrent)), nil
}

func (s *Service) ensurePatient(ctx context.Context, patientID string) error {
	ok, err := s.store.PatientExists(ctx, patientID)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return visit.ErrPatientNotFound
	}
	return nil
}

func (s *Service) evaluate(records []regimen.PrescriptionRecord, view regimen.View) []regimen.EvaluatedPrescription {
	out := s.evaluator.Evaluate(records, s.now(), view)
	for _, med := range out {
		s.metrics.DurationWindows.WithLabelValues(string(regimen.ParseDuration(med.Duration).Kind)).Inc()
		s.metrics.ActivityEvaluations.WithLabelValues(string(view), fmt.Sprint(med.IsActive)).Inc()
	}
	return out
}

// begin opens a span and returns a func that records the outcome and latency
func (s *Service) begin(ctx context.Context, op, patientID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("patient_id", patientID)))

	return ctx, func(err error) {
		s.metrics.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !errors.Is(err, visit.ErrPatientNotFound) && !errors.Is(err, ErrInvalidFilter) {
				s.logger.Error("medication aggregation failed",
					zap.String("operation", op),
					zap.String("patient_id", patientID),
					zap.Error(err),
				)
			}
		}
		span.End()
	}
}

func flatten(visits []visit.Visit, locale visit.Locale) []regimen.PrescriptionRecord {
	var records []regimen.PrescriptionRecord
	for _, v := range visits {
		records = append(records, v.Records(locale)...)
	}
	return records
}

// summarize keeps the first, and therefore newest, entry per medication name
func summarize(active []regimen.EvaluatedPrescription) []Summary {
	out := make([]Summary, 0, len(active))
	seen := make(map[string]bool, len(active))
	for _, med := range active {
		key := regimen.NameKey(med.MedicationName)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Summary{
			MedicationName:    med.MedicationName,
			Dosage:            med.Dosage,
			Frequency:         med.Frequency,
			Duration:          med.Duration,
			PrescribingDoctor: med.PrescribingDoctorName,
			PrescribedDate:    med.PrescribedDate,
		})
	}
	return out
}

func statistics(history []regimen.EvaluatedPrescription) Statistics {
	names := make(map[string]struct{}, len(history))
	stats := Statistics{TotalPrescriptions: len(history)}
	for _, med := range history {
		names[med.MedicationName] = struct{}{}
		if med.IsActive {
			stats.ActiveMedications++
		}
	}
	stats.UniqueMedications = len(names)
	return stats
}
