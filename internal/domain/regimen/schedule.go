package regimen

import "sort"

// Weekday labels, Saturday first to match the regional week start.
var weekdays = [7]struct{ en, ar string }{
	{"Saturday", "السبت"},
	{"Sunday", "الأحد"},
	{"Monday", "الاثنين"},
	{"Tuesday", "الثلاثاء"},
	{"Wednesday", "الأربعاء"},
	{"Thursday", "الخميس"},
	{"Friday", "الجمعة"},
}

// BuildWeeklySchedule lays every active medication's dosing times onto all
// seven days. Frequency is read as doses per day; weekday-specific regimens
// are not recognised.
func BuildWeeklySchedule(active []EvaluatedPrescription) WeeklySchedule {
	slots := make([]DosingSlot, 0, len(active))
	for _, med := range active {
		for _, t := range ResolveFrequency(med.Frequency) {
			slots = append(slots, DosingSlot{
				Time:           t,
				MedicationName: med.MedicationName,
				Dosage:         med.Dosage,
				Instructions:   med.Instructions,
			})
		}
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return MinutesSinceMidnight(slots[i].Time) < MinutesSinceMidnight(slots[j].Time)
	})

	schedule := make(WeeklySchedule, len(weekdays))
	for i, d := range weekdays {
		day := DaySchedule{
			Day:         d.en,
			DayLocal:    d.ar,
			DayIndex:    i,
			Medications: make([]DosingSlot, len(slots)),
		}
		copy(day.Medications, slots)
		schedule[i] = day
	}
	return schedule
}
