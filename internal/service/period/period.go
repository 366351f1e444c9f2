// Package period computes the calendar-month windows used by retainer
// reporting and maintenance generation. All windows are UTC and half-open.
package period

import "time"

// KeyLayout 维护周期标记格式，例如 "2024-01"
const KeyLayout = "2006-01"

// Period 半开区间 [Start, End)
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CurrentMonth returns the month containing now, ending at now (usage to date).
func CurrentMonth(now time.Time) Period {
	now = now.UTC()
	return Period{
		Start: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		End:   now,
	}
}

// Month returns the full calendar month for a zero-indexed month.
// Out-of-range months roll over: Month(2024, 12) is January 2025.
func Month(year, zeroIndexedMonth int) Period {
	start := time.Date(year, time.Month(zeroIndexedMonth+1), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// MonthOf returns the full calendar month containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	return Month(t.Year(), int(t.Month())-1)
}

// Key 周期开始所在月份的标记
func (p Period) Key() string {
	return p.Start.Format(KeyLayout)
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// LastDay 周期最后一天的 23:59:59
func (p Period) LastDay() time.Time {
	return p.End.Add(-time.Second)
}
