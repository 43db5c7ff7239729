package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "wkserver/internal/log"
	"wkserver/internal/model"
)

// expandDays turns one span into normalized events. Timed spans map to a
// single event. All-day spans produce one event per calendar day in
// [Start, End); a span with Start == End yields exactly one event.
//
// The second return value reports whether maxDays cut the expansion short.
func expandDays(summary string, sp span, maxDays int) ([]model.Event, bool) {
	if !sp.AllDay {
		return []model.Event{{
			Start:   sp.Start,
			End:     sp.End,
			Summary: summary,
		}}, false
	}

	if !sp.Start.Before(sp.End) {
		return []model.Event{{
			Start:   sp.Start,
			End:     sp.Start,
			Summary: summary,
			AllDay:  true,
		}}, false
	}

	out := make([]model.Event, 0)
	// AddDate keeps midnight across DST changes where Add(24h) would not.
	for day := sp.Start; day.Before(sp.End); day = day.AddDate(0, 0, 1) {
		if len(out) >= maxDays {
			return out, true
		}
		out = append(out, model.Event{
			Start:   day,
			End:     day,
			Summary: summary,
			AllDay:  true,
		})
	}
	return out, false
}

// expandRecurrence returns the spans of every instance of a recurring
// component that overlaps the half-open window. Instances listed in EXDATE
// or replaced by a RECURRENCE-ID override are dropped; the override itself
// is emitted separately as its own component.
func expandRecurrence(c component, overrides []time.Time, window model.Range, maxOccurrences int) ([]span, bool) {
	r, err := rrule.StrToRRule(c.RawRRule)
	if err != nil {
		appLog.Error("ics: failed to parse RRULE", err, "uid", c.UID, "rrule", c.RawRRule)
		return []span{c.Span}, false
	}
	r.DTStart(c.Span.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range c.ExDates {
		set.ExDate(ex.In(c.Span.Start.Location()))
	}

	days := calendarDays(c.Span.Start, c.Span.End)
	dur := c.Span.End.Sub(c.Span.Start)

	// Instances starting up to one event length before the window can
	// still reach into it.
	loc := c.Span.Start.Location()
	lower := window.Start.In(loc).Add(-dur)
	if c.Span.AllDay {
		lower = window.Start.In(loc).AddDate(0, 0, -days)
	}
	starts := set.Between(lower, window.End.In(loc), true)

	out := make([]span, 0, len(starts))
	hitCap := false
	for _, st := range starts {
		if isOverridden(st, overrides) {
			continue
		}
		sp := span{Start: st, End: st.Add(dur)}
		if c.Span.AllDay {
			st = midnight(st)
			sp = span{Start: st, End: st.AddDate(0, 0, days), AllDay: true}
		}
		if !overlaps(sp, window) {
			continue
		}
		if len(out) >= maxOccurrences {
			hitCap = true
			break
		}
		out = append(out, sp)
	}
	return out, hitCap
}

// overlaps reports whether sp intersects [window.Start, window.End).
// A zero-length span counts when its start lies inside the window.
func overlaps(sp span, window model.Range) bool {
	if !sp.Start.Before(window.End) {
		return false
	}
	if sp.End.Equal(sp.Start) {
		return !sp.Start.Before(window.Start)
	}
	return sp.End.After(window.Start)
}

func isOverridden(start time.Time, overrides []time.Time) bool {
	for _, rid := range overrides {
		if rid.Equal(start) {
			return true
		}
	}
	return false
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// calendarDays counts whole days between two midnights in the same location.
func calendarDays(start, end time.Time) int {
	n := 0
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}
