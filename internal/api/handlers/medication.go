// Package handlers provides HTTP handlers for the regimen API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/api/middleware"
	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/domain/visit"
	"github.com/drfirst/go-regimen/internal/medication"
)

// Aggregator is the medication view provider used by the handlers
type Aggregator interface {
	CurrentMedications(ctx context.Context, patientID string, locale visit.Locale) ([]regimen.EvaluatedPrescription, error)
	Schedule(ctx context.Context, patientID string, locale visit.Locale) (*medication.Schedule, error)
	History(ctx context.Context, patientID string, f medication.HistoryFilter, locale visit.Locale) (*medication.History, error)
	Interactions(ctx context.Context, patientID string, locale visit.Locale) (*medication.Interactions, error)
}

// MedicationHandler serves the patient medication endpoints
type MedicationHandler struct {
	svc           Aggregator
	defaultLocale visit.Locale
	logger        *zap.Logger
}

// NewMedicationHandler creates a new handler
func NewMedicationHandler(svc Aggregator, defaultLocale visit.Locale, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{svc: svc, defaultLocale: defaultLocale, logger: logger}
}

// Routes returns the handler routes, mounted under /patients
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{patientID}", func(r chi.Router) {
		r.Get("/current-medications", h.CurrentMedications)
		r.Get("/medication-schedule", h.Schedule)
		r.Get("/medication-history", h.History)
		r.Get("/medication-interactions", h.Interactions)
	})
	return r
}

// CurrentMedications handles GET /patients/{patientID}/current-medications
func (h *MedicationHandler) CurrentMedications(w http.ResponseWriter, r *http.Request) {
	locale := h.locale(r)
	meds, err := h.svc.CurrentMedications(r.Context(), chi.URLParam(r, "patientID"), locale)
	if err != nil {
		h.fail(w, r, err, locale)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"medications": meds,
		"count":       len(meds),
	})
}

// Schedule handles GET /patients/{patientID}/medication-schedule
func (h *MedicationHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	locale := h.locale(r)
	sched, err := h.svc.Schedule(r.Context(), chi.URLParam(r, "patientID"), locale)
	if err != nil {
		h.fail(w, r, err, locale)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"schedule": sched,
	})
}

// History handles GET /patients/{patientID}/medication-history
func (h *MedicationHandler) History(w http.ResponseWriter, r *http.Request) {
	locale := h.locale(r)
	filter, err := parseHistoryFilter(r)
	if err != nil {
		h.fail(w, r, err, locale)
		return
	}

	hist, err := h.svc.History(r.Context(), chi.URLParam(r, "patientID"), filter, locale)
	if err != nil {
		h.fail(w, r, err, locale)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"history":    hist.History,
		"statistics": hist.Statistics,
		"pagination": hist.Pagination,
	})
}

// Interactions handles GET /patients/{patientID}/medication-interactions
func (h *MedicationHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	locale := h.locale(r)
	res, err := h.svc.Interactions(r.Context(), chi.URLParam(r, "patientID"), locale)
	if err != nil {
		h.fail(w, r, err, locale)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"interactions":    res.Interactions,
		"warnings":        res.Warnings,
		"medicationCount": res.MedicationCount,
	})
}

// locale resolves ?lang=, then Accept-Language, then the configured default
func (h *MedicationHandler) locale(r *http.Request) visit.Locale {
	loc := visit.ParseLocale(r.Header.Get("Accept-Language"), h.defaultLocale)
	if lang := r.URL.Query().Get("lang"); lang != "" {
		loc = visit.ParseLocale(lang, loc)
	}
	return loc
}

func parseHistoryFilter(r *http.Request) (medication.HistoryFilter, error) {
	q := r.URL.Query()
	f := medication.HistoryFilter{MedicationName: q.Get("medicationName")}

	var err error
	if f.From, err = parseDate(q.Get("startDate"), false); err != nil {
		return f, fmt.Errorf("%w: startDate: %v", medication.ErrInvalidFilter, err)
	}
	if f.To, err = parseDate(q.Get("endDate"), true); err != nil {
		return f, fmt.Errorf("%w: endDate: %v", medication.ErrInvalidFilter, err)
	}
	if f.Page, err = parseInt(q.Get("page")); err != nil {
		return f, fmt.Errorf("%w: page: %v", medication.ErrInvalidFilter, err)
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("%w: limit: %v", medication.ErrInvalidFilter, err)
	}
	return f, nil
}

// parseDate accepts YYYY-MM-DD or RFC3339. A bare end date covers the whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("unrecognised date %q", s)
	}
	return &t, nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be positive: %d", n)
	}
	return n, nil
}

type message struct{ ar, en string }

func (m message) in(locale visit.Locale) string {
	if locale == visit.LocaleEnglish {
		return m.en
	}
	return m.ar
}

var (
	msgInvalidFilter   = message{"معايير البحث غير صالحة", "Invalid query parameters"}
	msgPatientNotFound = message{"المريض غير موجود", "Patient not found"}
	msgUnavailable     = message{"الخدمة غير متاحة مؤقتاً", "Service temporarily unavailable"}
	msgInternal        = message{"حدث خطأ أثناء جلب بيانات الأدوية", "Failed to retrieve medication data"}
)

func (h *MedicationHandler) fail(w http.ResponseWriter, r *http.Request, err error, locale visit.Locale) {
	code, msg := http.StatusInternalServerError, msgInternal
	switch {
	case errors.Is(err, medication.ErrInvalidFilter):
		code, msg = http.StatusBadRequest, msgInvalidFilter
	case errors.Is(err, visit.ErrPatientNotFound):
		code, msg = http.StatusNotFound, msgPatientNotFound
	case errors.Is(err, visit.ErrStoreUnavailable):
		code, msg = http.StatusServiceUnavailable, msgUnavailable
	}

	if code >= http.StatusInternalServerError {
		h.logger.Error("medication request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
	}

	writeJSON(w, code, map[string]interface{}{
		"success": false,
		"message": msg.in(locale),
		"error":   err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
