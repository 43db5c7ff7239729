package calendar

import (
	"time"

	"wkserver/internal/model"
)

// PollWindow returns the range queried in each cycle: from the Monday one
// week before the current week up to four weeks after the current week's
// Monday, both at midnight in loc. That covers the previous week, the
// current week and the three following weeks.
func PollWindow(now time.Time, loc *time.Location) model.Range {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	sinceMonday := (int(today.Weekday()) + 6) % 7
	monday := today.AddDate(0, 0, -sinceMonday)
	return model.Range{
		Start: monday.AddDate(0, 0, -7),
		End:   monday.AddDate(0, 0, 28),
	}
}
