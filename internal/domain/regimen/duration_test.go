package regimen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want ActivityWindow
	}{
		{"empty", "", Unknown()},
		{"whitespace", "   ", Unknown()},
		{"arabic continuous", "مستمر", Continuous()},
		{"english continuous", "Continuous use", Continuous()},
		{"ongoing upper", "ONGOING", Continuous()},
		{"arabic days", "30 يوم", BoundedDays(30)},
		{"arabic days no space", "10يوم", BoundedDays(10)},
		{"arabic plural days", "لمدة 5 أيام", BoundedDays(5)},
		{"english days", "10 days", BoundedDays(10)},
		{"english day mixed case", "7 Day", BoundedDays(7)},
		{"arabic weeks", "2 أسبوع", BoundedWeeks(2)},
		{"arabic plural weeks", "3 أسابيع", BoundedWeeks(3)},
		{"english weeks", "6 weeks", BoundedWeeks(6)},
		{"arabic month", "1 شهر", BoundedMonths(1)},
		{"arabic months", "3 أشهر", BoundedMonths(3)},
		{"english months", "2 months", BoundedMonths(2)},
		{"arabic-indic digits", "١٤ يوم", BoundedDays(14)},
		{"days win over weeks", "2 weeks (14 days)", BoundedDays(14)},
		{"continuous wins over days", "ongoing, review in 30 days", Continuous()},
		{"marker without number", "a few days", Unknown()},
		{"garbage", "as directed", Unknown()},
		{"overflowing number", "99999999999999999999999 days", Unknown()},
		{"zero days", "0 days", BoundedDays(0)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseDuration(tc.in))
		})
	}
}

func TestParseDurationIsTotal(t *testing.T) {
	inputs := []string{"", "\x00", "🙂", "-5 days", "days 5", "5", "شهر", "NaN weeks", "1e3 days"}
	valid := map[WindowKind]bool{
		WindowContinuous: true, WindowBoundedDays: true, WindowBoundedWeeks: true,
		WindowBoundedMonths: true, WindowUnknown: true,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			w := ParseDuration(in)
			assert.True(t, valid[w.Kind], "input %q produced %q", in, w.Kind)
		})
	}
}

func TestParseDurationDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, BoundedWeeks(4), ParseDuration("4 Weeks"))
	}
}
