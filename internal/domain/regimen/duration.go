package regimen

import (
	"regexp"
	"strconv"
)

var continuousMarkers = []string{"مستمر", "continuous", "ongoing"}

// durationRules are checked in order; the first rule whose pattern matches wins.
var durationRules = []struct {
	pattern *regexp.Regexp
	window  func(n int) ActivityWindow
}{
	{regexp.MustCompile(`(\d+)\s*(?:يوم|أيام|day)`), BoundedDays},
	{regexp.MustCompile(`(\d+)\s*(?:أسبوع|أسابيع|week)`), BoundedWeeks},
	{regexp.MustCompile(`(\d+)\s*(?:شهر|أشهر|شهور|month)`), BoundedMonths},
}

// ParseDuration classifies duration text into an ActivityWindow.
// Empty or unrecognised text yields Unknown; it never fails.
func ParseDuration(text string) ActivityWindow {
	s := normalizeText(text)
	if s == "" {
		return Unknown()
	}

	if containsAny(s, continuousMarkers...) {
		return Continuous()
	}

	for _, rule := range durationRules {
		m := rule.pattern.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			// out of int range
			continue
		}
		return rule.window(n)
	}

	return Unknown()
}
