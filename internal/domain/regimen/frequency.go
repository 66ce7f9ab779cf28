package regimen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultSlot is used when frequency text matches nothing. A medication with
// unreadable frequency is still shown once a day rather than dropped.
const DefaultSlot = "8:00 AM"

var (
	onceDaily   = []string{"8:00 AM"}
	twiceDaily  = []string{"8:00 AM", "8:00 PM"}
	threeDaily  = []string{"8:00 AM", "2:00 PM", "8:00 PM"}
	fourDaily   = []string{"8:00 AM", "12:00 PM", "4:00 PM", "8:00 PM"}
	everyNHours = regexp.MustCompile(`(\d+)\s*(?:ساعة|ساعات|hour)`)
	clockTime   = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*(am|pm)$`)
)

// FrequencyResolution reports which table entry produced the slots
type FrequencyResolution struct {
	Times    []string
	Fallback bool
}

// ResolveFrequency maps frequency text to an ordered, non-empty list of
// times of day in "H:MM AM/PM" form.
func ResolveFrequency(text string) []string {
	return ResolveFrequencyDetailed(text).Times
}

// ResolveFrequencyDetailed is ResolveFrequency that also reports whether the
// default slot was used.
func ResolveFrequencyDetailed(text string) FrequencyResolution {
	s := normalizeText(text)

	switch {
	case s == "":
	case strings.Contains(s, "مرة") && strings.Contains(s, "يوم"),
		strings.Contains(s, "once") && strings.Contains(s, "day"):
		return FrequencyResolution{Times: clone(onceDaily)}
	case containsAny(s, "مرتين", "twice"):
		return FrequencyResolution{Times: clone(twiceDaily)}
	case containsAny(s, "ثلاث", "three"):
		return FrequencyResolution{Times: clone(threeDaily)}
	case containsAny(s, "أربع", "four"):
		return FrequencyResolution{Times: clone(fourDaily)}
	default:
		if m := everyNHours.FindStringSubmatch(s); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return FrequencyResolution{Times: hourlySlots(n)}
			}
		}
	}

	return FrequencyResolution{Times: []string{DefaultSlot}, Fallback: true}
}

func hourlySlots(step int) []string {
	var times []string
	for h := 0; h < 24; h += step {
		times = append(times, FormatClock(h, 0))
	}
	return times
}

// FormatClock renders a 24-hour time as "H:MM AM/PM"
func FormatClock(hour, minute int) string {
	suffix := "AM"
	if hour >= 12 {
		suffix = "PM"
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, minute, suffix)
}

// MinutesSinceMidnight parses "H:MM AM/PM". 12:00 AM is 0 and 12:00 PM is 720.
// Unparseable input sorts last.
func MinutesSinceMidnight(t string) int {
	m := clockTime.FindStringSubmatch(strings.ToLower(strings.TrimSpace(t)))
	if m == nil {
		return 24 * 60
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	if h < 1 || h > 12 || min > 59 {
		return 24 * 60
	}
	h %= 12
	if m[3] == "pm" {
		h += 12
	}
	return h*60 + min
}

func clone(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
