package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-regimen/internal/domain/visit"
	"github.com/drfirst/go-regimen/internal/domain/visit/visittest"
	"github.com/drfirst/go-regimen/internal/medication"
)

var now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, store *visittest.Store) *httptest.Server {
	t.Helper()
	svc := medication.NewService(store, nil, nil, medication.WithClock(func() time.Time { return now }))
	h := NewMedicationHandler(svc, visit.LocaleArabic, nil)

	r := chi.NewRouter()
	r.Mount("/api/v1/patients", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func seededStore() *visittest.Store {
	s := visittest.New()
	s.AddVisit(visit.Visit{
		ID: "v2", PatientID: "p1", Date: now.AddDate(0, 0, -1), Status: visit.StatusCompleted,
		Doctor: visit.Doctor{ID: "d1", Name: "Sara"},
		Prescriptions: []visit.Prescription{
			{MedicationName: "Aspirin", Dosage: "81mg", Frequency: "once a day", Duration: "ongoing"},
			{MedicationName: "aspirin", Dosage: "100mg", Frequency: "twice"},
		},
	})
	s.AddVisit(visit.Visit{
		ID: "v1", PatientID: "p1", Date: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), Status: visit.StatusCompleted,
		Doctor: visit.Doctor{ID: "d1", Name: "Sara"},
		Prescriptions: []visit.Prescription{
			{MedicationName: "Amoxicillin", Dosage: "500mg", Frequency: "every 8 hours", Duration: "7 days"},
		},
	})
	return s
}

func get(t *testing.T, srv *httptest.Server, path string, header map[string]string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestCurrentMedicationsEndpoint(t *testing.T) {
	srv := newTestServer(t, seededStore())

	code, body := get(t, srv, "/api/v1/patients/p1/current-medications?lang=en", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["count"])

	meds := body["medications"].([]interface{})
	first := meds[0].(map[string]interface{})
	assert.Equal(t, "Aspirin", first["medicationName"])
	assert.Equal(t, "Dr. Sara", first["prescribingDoctor"])
	assert.Equal(t, true, first["isActive"])
}

func TestScheduleEndpoint(t *testing.T) {
	srv := newTestServer(t, seededStore())

	code, body := get(t, srv, "/api/v1/patients/p1/medication-schedule", nil)
	require.Equal(t, http.StatusOK, code)

	sched := body["schedule"].(map[string]interface{})
	days := sched["weeklySchedule"].([]interface{})
	require.Len(t, days, 7)
	sat := days[0].(map[string]interface{})
	assert.Equal(t, "Saturday", sat["day"])
	assert.Len(t, sat["medications"], 3)

	summary := sched["medications"].([]interface{})
	require.Len(t, summary, 1)
	assert.Equal(t, "د. Sara", summary[0].(map[string]interface{})["prescribingDoctor"])
}

func TestInteractionsEndpoint(t *testing.T) {
	srv := newTestServer(t, seededStore())

	code, body := get(t, srv, "/api/v1/patients/p1/medication-interactions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, body["interactions"])
	assert.Equal(t, float64(2), body["medicationCount"])

	warnings := body["warnings"].([]interface{})
	require.Len(t, warnings, 1)
	assert.Equal(t, "DUPLICATE", warnings[0].(map[string]interface{})["type"])
}

func TestHistoryEndpoint(t *testing.T) {
	srv := newTestServer(t, seededStore())

	code, body := get(t, srv, "/api/v1/patients/p1/medication-history?endDate=2026-01-10&limit=5", nil)
	require.Equal(t, http.StatusOK, code)

	history := body["history"].([]interface{})
	require.Len(t, history, 1)
	assert.Equal(t, "Amoxicillin", history[0].(map[string]interface{})["medicationName"])
	assert.Equal(t, false, history[0].(map[string]interface{})["isActive"])

	assert.Equal(t, map[string]interface{}{
		"totalPrescriptions": float64(1),
		"uniqueMedications":  float64(1),
		"activeMedications":  float64(0),
	}, body["statistics"])
	assert.Equal(t, map[string]interface{}{
		"page": float64(1), "limit": float64(5), "total": float64(1), "pages": float64(1),
	}, body["pagination"])
}

func TestHistoryEndpointRejectsBadParams(t *testing.T) {
	srv := newTestServer(t, seededStore())

	for _, q := range []string{"startDate=yesterday", "page=abc", "page=0", "limit=500", "startDate=2026-03-01&endDate=2026-02-01"} {
		t.Run(q, func(t *testing.T) {
			code, body := get(t, srv, "/api/v1/patients/p1/medication-history?"+q, map[string]string{"Accept-Language": "en-US"})
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "Invalid query parameters", body["message"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUnknownPatientLocalized(t *testing.T) {
	srv := newTestServer(t, seededStore())

	code, body := get(t, srv, "/api/v1/patients/ghost/current-medications", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "المريض غير موجود", body["message"])

	_, body = get(t, srv, "/api/v1/patients/ghost/current-medications", map[string]string{"Accept-Language": "en"})
	assert.Equal(t, "Patient not found", body["message"])

	// lang wins over Accept-Language
	_, body = get(t, srv, "/api/v1/patients/ghost/current-medications?lang=ar", map[string]string{"Accept-Language": "en"})
	assert.Equal(t, "المريض غير موجود", body["message"])
}

func TestStoreUnavailable(t *testing.T) {
	store := seededStore()
	store.Err = visit.ErrStoreUnavailable
	srv := newTestServer(t, store)

	code, body := get(t, srv, "/api/v1/patients/p1/medication-schedule?lang=en", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "Service temporarily unavailable", body["message"])
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2026-01-10", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 23, 59, 59, 999999999, time.UTC), *got)

	got, err = parseDate("2026-01-10", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseDate("2026-01-10T08:30:00Z", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 10, 8, 30, 0, 0, time.UTC), *got)

	got, err = parseDate("", true)
	assert.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseDate("10/01/2026", false)
	assert.Error(t, err)
}
