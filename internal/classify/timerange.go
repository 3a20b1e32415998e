package classify

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// RangeType names one entry of the fixed time vocabulary.
type RangeType string

const (
	RangeToday         RangeType = "today"
	RangeThisWeek      RangeType = "this_week"
	RangeLastWeek      RangeType = "last_week"
	RangeThisMonth     RangeType = "this_month"
	RangeLastMonth     RangeType = "last_month"
	RangeSpecificMonth RangeType = "specific_month"
	RangeExplicit      RangeType = "explicit_range"
)

// TimeRange is a detected time scope, already resolved to concrete instants.
// Start is inclusive, End exclusive.
type TimeRange struct {
	Type  RangeType
	Start time.Time
	End   time.Time
}

var (
	isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRe  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	monthRe   = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\b(?:\s+(\d{4}))?`)
)

// detectTimeRange scans normalized text for the calendar vocabulary and
// resolves any hit against the caller's current time. Relative phrases never
// consult the server clock; now comes from the caller's date context.
// Returns nil when no time phrase is found.
func detectTimeRange(text string, now time.Time) *TimeRange {
	// Explicit dates win over relative phrases.
	if tr := detectExplicitDates(text, now.Location()); tr != nil {
		return tr
	}

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch {
	case strings.Contains(text, "today"):
		return &TimeRange{Type: RangeToday, Start: day, End: day.AddDate(0, 0, 1)}

	case strings.Contains(text, "this week"):
		start := startOfWeek(day)
		return &TimeRange{Type: RangeThisWeek, Start: start, End: start.AddDate(0, 0, 7)}

	case strings.Contains(text, "last week"), strings.Contains(text, "past week"):
		start := startOfWeek(day).AddDate(0, 0, -7)
		return &TimeRange{Type: RangeLastWeek, Start: start, End: start.AddDate(0, 0, 7)}

	case strings.Contains(text, "this month"):
		start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
		return &TimeRange{Type: RangeThisMonth, Start: start, End: start.AddDate(0, 1, 0)}

	case strings.Contains(text, "last month"), strings.Contains(text, "past month"):
		start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location()).AddDate(0, -1, 0)
		return &TimeRange{Type: RangeLastMonth, Start: start, End: start.AddDate(0, 1, 0)}
	}

	if m := monthRe.FindStringSubmatch(text); m != nil && !bareModalMay(text, m) {
		month := monthByName(m[1])
		year := now.Year()
		if m[2] != "" {
			year = atoiSafe(m[2])
		} else if month > now.Month() {
			// A bare future month name refers to the previous year.
			year--
		}
		start := time.Date(year, month, 1, 0, 0, 0, 0, now.Location())
		return &TimeRange{Type: RangeSpecificMonth, Start: start, End: start.AddDate(0, 1, 0)}
	}

	return nil
}

// detectExplicitDates finds YYYY-MM-DD and MM/DD/YYYY dates. One date yields
// that single day; two or more yield the span from the earliest day to the day
// after the latest.
func detectExplicitDates(text string, loc *time.Location) *TimeRange {
	var days []time.Time

	for _, m := range isoDateRe.FindAllStringSubmatch(text, -1) {
		t, err := time.ParseInLocation("2006-01-02", m[0], loc)
		if err == nil {
			days = append(days, t)
		}
	}
	for _, m := range usDateRe.FindAllStringSubmatch(text, -1) {
		t, err := time.ParseInLocation("1/2/2006", m[0], loc)
		if err == nil {
			days = append(days, t)
		}
	}

	if len(days) == 0 {
		return nil
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	return &TimeRange{
		Type:  RangeExplicit,
		Start: days[0],
		End:   days[len(days)-1].AddDate(0, 0, 1),
	}
}

// bareModalMay filters the one ambiguous month name: "may" without a year
// only counts when a preposition marks it as a date ("in may", "last may").
func bareModalMay(text string, m []string) bool {
	if m[1] != "may" || m[2] != "" {
		return false
	}
	for _, prefix := range []string{"in may", "during may", "last may", "of may", "since may"} {
		if strings.Contains(text, prefix) {
			return false
		}
	}
	return true
}

// startOfWeek returns the Monday on or before day.
func startOfWeek(day time.Time) time.Time {
	offset := int(day.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	return day.AddDate(0, 0, -offset)
}

func monthByName(name string) time.Month {
	switch name {
	case "january":
		return time.January
	case "february":
		return time.February
	case "march":
		return time.March
	case "april":
		return time.April
	case "may":
		return time.May
	case "june":
		return time.June
	case "july":
		return time.July
	case "august":
		return time.August
	case "september":
		return time.September
	case "october":
		return time.October
	case "november":
		return time.November
	default:
		return time.December
	}
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
