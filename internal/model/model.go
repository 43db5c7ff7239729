package model

import (
	"encoding/json"
	"time"
)

// Kind classifies a configured calendar.
type Kind string

const (
	KindUser    Kind = "User"
	KindHoliday Kind = "Holiday"
)

// ParseKind maps a configuration value onto a Kind. The second return value
// is false for unknown values, in which case KindUser is returned.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindUser:
		return KindUser, true
	case KindHoliday:
		return KindHoliday, true
	case "":
		return KindUser, true
	default:
		return KindUser, false
	}
}

// Event is a single normalized calendar entry.
//
// For all-day events Start and End are both midnight of the day the entry
// covers; a multi-day source event is represented as one Event per day.
// Timed events carry the exact instants from the source.
type Event struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Summary string    `json:"summary"`
	AllDay  bool      `json:"allDay"`
}

// Range is a half-open time window [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

type rangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarshalJSON encodes the range bounds as RFC 3339 strings.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal(rangeJSON{
		Start: r.Start.Format(time.RFC3339),
		End:   r.End.Format(time.RFC3339),
	})
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var raw rangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, raw.Start)
	if err != nil {
		return err
	}
	end, err := time.Parse(time.RFC3339, raw.End)
	if err != nil {
		return err
	}
	r.Start, r.End = start, end
	return nil
}

// CalendarUpdate is delivered to subscribers once per calendar per poll cycle.
type CalendarUpdate struct {
	Name      string  `json:"name"`
	Events    []Event `json:"events"`
	IsHoliday bool    `json:"isHoliday"`
	Range     Range   `json:"range"`
}

// MarshalJSON keeps "events" a list on the wire even when there are none.
func (u CalendarUpdate) MarshalJSON() ([]byte, error) {
	type plain CalendarUpdate
	p := plain(u)
	if p.Events == nil {
		p.Events = []Event{}
	}
	return json.Marshal(p)
}

// RemoteCalendar is one calendar collection found on the remote server.
// Handle is opaque to everything but the source that produced it.
type RemoteCalendar struct {
	Name   string
	Handle string
}

// RawEvent is one undecoded calendar object returned by a date-range search.
type RawEvent struct {
	Path string
	ETag string
	Data []byte
}
