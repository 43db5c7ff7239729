package ics

import (
	"bytes"
	"errors"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "wkserver/internal/log"
	"wkserver/internal/model"
)

const (
	defaultMaxDaysPerEvent        = 366
	defaultMaxOccurrencesPerEvent = 5000
)

// Options controls normalization.
type Options struct {
	// Location is the zone in which all-day dates are anchored at midnight.
	// If nil, time.Local is used.
	Location *time.Location

	// MaxDaysPerEvent caps the day expansion of a single all-day event.
	// If zero, defaultMaxDaysPerEvent is used.
	MaxDaysPerEvent int

	// MaxOccurrencesPerEvent caps RRULE expansion of a single event.
	// If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Result is the output of normalizing one raw payload.
type Result struct {
	Events []model.Event
	// Skipped counts VEVENTs that were dropped because a required field
	// could not be decoded.
	Skipped int
}

// Normalizer converts raw iCalendar payloads into model.Event records.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	opts Options
}

func NewNormalizer(opts Options) *Normalizer {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxDaysPerEvent <= 0 {
		opts.MaxDaysPerEvent = defaultMaxDaysPerEvent
	}
	if opts.MaxOccurrencesPerEvent <= 0 {
		opts.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	return &Normalizer{opts: opts}
}

// Normalize decodes one payload and returns its events in source order.
//
// window bounds the expansion of recurring events; a zero window keeps only
// the first instance of each series. A VEVENT missing DTSTART, DTEND (timed
// events only) or a decodable SUMMARY is logged and skipped without
// affecting the others.
// An error is returned only when the payload as a whole cannot be decoded.
func (n *Normalizer) Normalize(payload []byte, window model.Range) (Result, error) {
	var res Result
	if len(bytes.TrimSpace(payload)) == 0 {
		return res, errors.New("ics: empty payload")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(payload))
	if err != nil {
		return res, err
	}

	vevents := cal.Events()
	comps := make([]component, 0, len(vevents))
	// RECURRENCE-ID values per UID, so the series expansion can leave room
	// for the overriding instances.
	overrides := make(map[string][]time.Time)

	for _, ve := range vevents {
		c, perr := parseComponent(ve, n.opts.Location)
		if perr != nil {
			res.Skipped++
			appLog.Warn("ics: skipping malformed event", "uid", uidOf(ve), "err", perr)
			continue
		}
		if c.Recurrence != nil {
			overrides[c.UID] = append(overrides[c.UID], *c.Recurrence)
		}
		comps = append(comps, c)
	}

	res.Events = make([]model.Event, 0, len(comps))
	for _, c := range comps {
		spans := []span{c.Span}
		if c.RawRRule != "" && c.Recurrence == nil && !window.End.IsZero() {
			var hitCap bool
			spans, hitCap = expandRecurrence(c, overrides[c.UID], window, n.opts.MaxOccurrencesPerEvent)
			if hitCap {
				appLog.Warn("ics: truncated occurrences due to cap", "uid", c.UID, "cap", n.opts.MaxOccurrencesPerEvent)
			}
		}

		for _, sp := range spans {
			events, truncated := expandDays(c.Summary, sp, n.opts.MaxDaysPerEvent)
			if truncated {
				appLog.Warn("ics: truncated all-day expansion due to cap", "uid", c.UID, "cap", n.opts.MaxDaysPerEvent)
			}
			res.Events = append(res.Events, events...)
		}
	}

	return res, nil
}

func uidOf(ve *ical.VEvent) string {
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		return p.Value
	}
	return ""
}
