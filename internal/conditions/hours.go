package conditions

import (
	"slices"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the company timezone used when none is configured.
const DefaultTimezone = "America/Sao_Paulo"

// BusinessHours is a weekly opening window in one timezone. StartHour is
// inclusive and EndHour exclusive, both in 0..24.
type BusinessHours struct {
	Location  *time.Location
	Days      []time.Weekday
	StartHour int
	EndHour   int
}

// DefaultBusinessHours returns Monday to Friday, 08:00 to 18:00 in DefaultTimezone.
func DefaultBusinessHours() BusinessHours {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.FixedZone("BRT", -3*60*60)
	}
	return BusinessHours{
		Location:  loc,
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 8,
		EndHour:   18,
	}
}

// NewBusinessHours builds a window from config values. An unknown timezone
// name is an error.
func NewBusinessHours(timezone string, days []time.Weekday, startHour, endHour int) (BusinessHours, error) {
	h := DefaultBusinessHours()
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return BusinessHours{}, err
		}
		h.Location = loc
	}
	if len(days) > 0 {
		h.Days = days
	}
	if endHour > startHour {
		h.StartHour = startHour
		h.EndHour = endHour
	}
	return h, nil
}

// Contains reports whether t falls inside the window.
func (h BusinessHours) Contains(t time.Time) bool {
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if !slices.Contains(h.Days, local.Weekday()) {
		return false
	}
	hour := local.Hour()
	return hour >= h.StartHour && hour < h.EndHour
}

// ParseWeekday accepts English day names or their three-letter prefixes.
func ParseWeekday(s string) (time.Weekday, bool) {
	if len(s) < 3 {
		return 0, false
	}
	prefix := s[:3]
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String()[:3], prefix) {
			return d, true
		}
	}
	return 0, false
}
