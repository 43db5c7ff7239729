package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"
)

var (
	errMissingStart   = errors.New("missing DTSTART")
	errMissingEnd     = errors.New("missing DTEND")
	errMissingSummary = errors.New("missing SUMMARY")
	errInvalidSummary = errors.New("SUMMARY is not valid UTF-8")
	errEndBeforeStart = errors.New("DTEND before DTSTART")
)

// span is the start/end of one VEVENT (or one recurrence instance of it).
// For all-day spans both bounds are midnight in the normalizer's location
// and End is exclusive.
type span struct {
	Start  time.Time
	End    time.Time
	AllDay bool
}

// component is the subset of a VEVENT the normalizer works with.
type component struct {
	UID        string
	Summary    string
	Span       span
	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, set for overridden instances
}

func parseComponent(ve *ical.VEvent, loc *time.Location) (component, error) {
	var out component

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}

	p := ve.GetProperty(ical.ComponentPropertySummary)
	if p == nil {
		return out, errMissingSummary
	}
	if !utf8.ValidString(p.Value) {
		return out, errInvalidSummary
	}
	out.Summary = unescapeText(p.Value)

	sp, err := parseSpan(ve, loc)
	if err != nil {
		return out, err
	}
	out.Span = sp

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, tzidOf(p.ICalParameters), loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, tzidOf(p.ICalParameters), loc); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

// parseSpan reads DTSTART/DTEND. All-day detection follows the DTSTART
// value: VALUE=DATE or a value without a time part.
func parseSpan(ve *ical.VEvent, loc *time.Location) (span, error) {
	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil || strings.TrimSpace(startProp.Value) == "" {
		return span{}, errMissingStart
	}
	endProp := ve.GetProperty(ical.ComponentPropertyDtEnd)

	if isDateOnly(startProp) {
		start, err := parseDate(startProp.Value, loc)
		if err != nil {
			return span{}, fmt.Errorf("DTSTART: %w", err)
		}
		end := start
		if endProp != nil && strings.TrimSpace(endProp.Value) != "" {
			end, err = parseDate(endProp.Value, loc)
			if err != nil {
				return span{}, fmt.Errorf("DTEND: %w", err)
			}
		}
		if end.Before(start) {
			return span{}, errEndBeforeStart
		}
		return span{Start: start, End: end, AllDay: true}, nil
	}

	if endProp == nil {
		return span{}, errMissingEnd
	}
	// The library resolves TZID and UTC suffixes for date-time values.
	start, err := ve.GetStartAt()
	if err != nil {
		return span{}, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return span{}, fmt.Errorf("DTEND: %w", err)
	}
	if end.Before(start) {
		return span{}, errEndBeforeStart
	}
	return span{Start: start, End: end}, nil
}

func isDateOnly(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parseDate reads the date part of a DATE or DATE-TIME value as midnight in loc.
func parseDate(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return time.ParseInLocation("20060102", v[:8], loc)
}

// parseICSTime parses EXDATE / RECURRENCE-ID values, which the library does
// not expose as typed helpers.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		zone := time.Local
		if tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				zone = l
			}
		}
		return time.ParseInLocation("20060102T150405", v, zone)
	}

	return parseDate(v, loc)
}

func tzidOf(params map[string][]string) string {
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		return tzs[0]
	}
	return ""
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\,`, `,`, `\;`, `;`, `\n`, "\n", `\N`, "\n")

// unescapeText decodes RFC 5545 TEXT escapes.
func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
