package medication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/domain/visit"
	"github.com/drfirst/go-regimen/internal/domain/visit/visittest"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
)

var now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return now.AddDate(0, 0, -n) }

func fixtureStore() *visittest.Store {
	s := visittest.New()
	s.AddPatient("empty")
	s.AddVisit(visit.Visit{
		ID: "v3", PatientID: "p1", Date: daysAgo(2), Status: visit.StatusCompleted,
		Doctor: visit.Doctor{ID: "d1", Name: "Sara", Specialty: "Cardiology"},
		Prescriptions: []visit.Prescription{
			{MedicationName: "Metformin", Dosage: "500mg", Frequency: "twice daily", Duration: "مستمر"},
			{MedicationName: "Lisinopril", Dosage: "10mg", Frequency: "once a day", Duration: "30 يوم"},
		},
	})
	s.AddVisit(visit.Visit{
		ID: "v2", PatientID: "p1", Date: daysAgo(20), Status: visit.StatusCompleted,
		Doctor: visit.Doctor{ID: "d2", Name: "Omar"},
		Prescriptions: []visit.Prescription{
			{MedicationName: "Amoxicillin", Dosage: "500mg", Frequency: "three times daily", Duration: "7 days"},
			{MedicationName: "metformin", Dosage: "850mg", Frequency: "twice"},
		},
	})
	s.AddVisit(visit.Visit{
		ID: "v1", PatientID: "p1", Date: daysAgo(60), Status: visit.StatusCompleted,
		Doctor: visit.Doctor{ID: "d2", Name: "Omar"},
		Prescriptions: []visit.Prescription{
			{MedicationName: "Vitamin D", Dosage: "1000IU", Frequency: "whatever"},
		},
	})
	s.AddVisit(visit.Visit{
		ID: "v0", PatientID: "p1", Date: daysAgo(1), Status: visit.StatusCancelled,
		Prescriptions: []visit.Prescription{{MedicationName: "Aspirin", Dosage: "81mg", Frequency: "once a day"}},
	})
	s.AddVisit(visit.Visit{ID: "v-empty", PatientID: "p1", Date: daysAgo(3), Status: visit.StatusCompleted})
	return s
}

func newTestService(t *testing.T, store visit.Store) (*Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewService(store, metrics.New(reg), nil, WithClock(func() time.Time { return now })), reg
}

func names(meds []regimen.EvaluatedPrescription) []string {
	out := make([]string, 0, len(meds))
	for _, m := range meds {
		out = append(out, m.MedicationName)
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCurrentMedications(t *testing.T) {
	svc, reg := newTestService(t, fixtureStore())

	meds, err := svc.CurrentMedications(context.Background(), "p1", visit.LocaleEnglish)
	require.NoError(t, err)

	assert.Equal(t, []string{"Metformin", "Lisinopril", "metformin", "Vitamin D"}, names(meds))
	for _, m := range meds {
		assert.True(t, m.IsActive)
	}
	assert.Equal(t, "Dr. Sara", meds[0].PrescribingDoctorName)
	assert.Equal(t, "Cardiology", meds[0].PrescribingDoctorSpecialty)
	assert.Equal(t, "v3", meds[0].VisitRef)
	assert.Equal(t, daysAgo(2), meds[0].PrescribedDate)

	assert.Equal(t, 4.0, counterValue(t, reg, "regimen_activity_evaluations_total", map[string]string{"view": "current", "active": "true"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "regimen_activity_evaluations_total", map[string]string{"view": "current", "active": "false"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "regimen_duration_windows_total", map[string]string{"window": "unknown"}))
}

func TestCurrentMedicationsArabicTitle(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	meds, err := svc.CurrentMedications(context.Background(), "p1", visit.LocaleArabic)
	require.NoError(t, err)
	assert.Equal(t, "د. Sara", meds[0].PrescribingDoctorName)
}

func TestCurrentMedicationsEmptyPatient(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	meds, err := svc.CurrentMedications(context.Background(), "empty", visit.LocaleEnglish)
	require.NoError(t, err)
	assert.NotNil(t, meds)
	assert.Empty(t, meds)
}

func TestUnknownPatient(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	_, err := svc.CurrentMedications(context.Background(), "nobody", visit.LocaleEnglish)
	assert.ErrorIs(t, err, visit.ErrPatientNotFound)

	_, err = svc.History(context.Background(), "nobody", HistoryFilter{}, visit.LocaleEnglish)
	assert.ErrorIs(t, err, visit.ErrPatientNotFound)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	store := fixtureStore()
	store.Err = visit.ErrStoreUnavailable
	svc, _ := newTestService(t, store)

	_, err := svc.Schedule(context.Background(), "p1", visit.LocaleEnglish)
	assert.ErrorIs(t, err, visit.ErrStoreUnavailable)
}

func TestSchedule(t *testing.T) {
	svc, reg := newTestService(t, fixtureStore())

	sched, err := svc.Schedule(context.Background(), "p1", visit.LocaleEnglish)
	require.NoError(t, err)

	require.Len(t, sched.WeeklySchedule, 7)
	for _, day := range sched.WeeklySchedule {
		assert.Len(t, day.Medications, 6)
	}

	require.Len(t, sched.Medications, 3)
	assert.Equal(t, "Metformin", sched.Medications[0].MedicationName)
	assert.Equal(t, "500mg", sched.Medications[0].Dosage)
	assert.Equal(t, "Dr. Sara", sched.Medications[0].PrescribingDoctor)
	assert.Equal(t, "Lisinopril", sched.Medications[1].MedicationName)
	assert.Equal(t, "Vitamin D", sched.Medications[2].MedicationName)

	assert.Equal(t, 1.0, counterValue(t, reg, "regimen_frequency_fallbacks_total", nil))
}

func TestScheduleEmptyPatient(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	sched, err := svc.Schedule(context.Background(), "empty", visit.LocaleEnglish)
	require.NoError(t, err)
	require.Len(t, sched.WeeklySchedule, 7)
	assert.NotNil(t, sched.Medications)
	assert.Empty(t, sched.Medications)
}

func TestInteractions(t *testing.T) {
	svc, reg := newTestService(t, fixtureStore())

	res, err := svc.Interactions(context.Background(), "p1", visit.LocaleEnglish)
	require.NoError(t, err)

	assert.Equal(t, 4, res.MedicationCount)
	assert.NotNil(t, res.Interactions)
	assert.Empty(t, res.Interactions)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, regimen.WarningDuplicate, res.Warnings[0].Type)
	assert.Equal(t, []string{"Metformin"}, res.Warnings[0].Medications)

	assert.Equal(t, 1.0, counterValue(t, reg, "regimen_safety_warnings_total", map[string]string{"type": "DUPLICATE"}))
}

func TestSafetyReport(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	active, report, err := svc.SafetyReport(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, active, 4)
	assert.Len(t, report.Warnings, 1)
}

func TestHistory(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	h, err := svc.History(context.Background(), "p1", HistoryFilter{}, visit.LocaleEnglish)
	require.NoError(t, err)

	assert.Equal(t, []string{"Metformin", "Lisinopril", "Amoxicillin", "metformin", "Vitamin D"}, names(h.History))
	var flags []bool
	for _, m := range h.History {
		flags = append(flags, m.IsActive)
	}
	// Vitamin D is 60 days old with no duration: active for current, not history
	assert.Equal(t, []bool{true, true, false, true, false}, flags)

	assert.Equal(t, Statistics{TotalPrescriptions: 5, UniqueMedications: 5, ActiveMedications: 3}, h.Statistics)
	assert.Equal(t, Pagination{Page: 1, Limit: 20, Total: 3, Pages: 1}, h.Pagination)
}

func TestHistoryMedicationNameIsCaseSensitive(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	h, err := svc.History(context.Background(), "p1", HistoryFilter{MedicationName: "Metformin"}, visit.LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, []string{"Metformin"}, names(h.History))
	assert.Equal(t, 1, h.Statistics.TotalPrescriptions)
}

func TestHistoryPaginatesVisits(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())

	h, err := svc.History(context.Background(), "p1", HistoryFilter{Page: 2, Limit: 2}, visit.LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, []string{"Vitamin D"}, names(h.History))
	assert.Equal(t, Pagination{Page: 2, Limit: 2, Total: 3, Pages: 2}, h.Pagination)

	h, err = svc.History(context.Background(), "p1", HistoryFilter{Page: 5, Limit: 2}, visit.LocaleEnglish)
	require.NoError(t, err)
	assert.NotNil(t, h.History)
	assert.Empty(t, h.History)
}

func TestHistoryDateRange(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())
	from := daysAgo(30)
	to := daysAgo(2)

	h, err := svc.History(context.Background(), "p1", HistoryFilter{From: &from, To: &to}, visit.LocaleEnglish)
	require.NoError(t, err)
	assert.Len(t, h.History, 4)
	assert.Equal(t, int64(2), h.Pagination.Total)
}

func TestHistoryInvalidFilter(t *testing.T) {
	svc, _ := newTestService(t, fixtureStore())
	from, to := daysAgo(1), daysAgo(10)

	for name, f := range map[string]HistoryFilter{
		"limit too large": {Limit: MaxLimit + 1},
		"negative page":   {Page: -1},
		"negative limit":  {Limit: -5},
		"inverted range":  {From: &from, To: &to},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.History(context.Background(), "p1", f, visit.LocaleEnglish)
			assert.True(t, errors.Is(err, ErrInvalidFilter))
		})
	}
}
