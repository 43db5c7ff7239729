package caldav

import (
	"strings"
	"testing"
	"time"

	goical "github.com/emersion/go-ical"

	"wkserver/internal/ics"
	"wkserver/internal/model"
)

func TestRedactURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"https://cloud.example.org/remote.php/dav/calendars/alice", "https://cloud.example.org/...(redacted)"},
		{"https://cloud.example.org", "https://cloud.example.org/...(redacted)"},
		{"not a url", "caldav://...(redacted)"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(Options{}); err == nil {
		t.Error("NewClient with empty URL: got nil error, want error")
	}
	if _, err := NewClient(Options{URL: "https://dav.example.org/", Username: "u", Password: "p"}); err != nil {
		t.Errorf("NewClient: %v", err)
	}
}

func TestEncodedObjectIsNormalizable(t *testing.T) {
	t.Parallel()
	start := time.Date(2021, 5, 1, 10, 0, 0, 0, time.UTC)

	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, "-//wkserver//test//EN")

	ev := goical.NewEvent()
	ev.Props.SetText(goical.PropUID, "roundtrip-1")
	ev.Props.SetDateTime(goical.PropDateTimeStamp, start)
	ev.Props.SetDateTime(goical.PropDateTimeStart, start)
	ev.Props.SetDateTime(goical.PropDateTimeEnd, start.Add(time.Hour))
	ev.Props.SetText(goical.PropSummary, "Review")
	cal.Children = append(cal.Children, ev.Component)

	data, err := encodeObject(cal)
	if err != nil {
		t.Fatalf("encodeObject: %v", err)
	}
	if !strings.Contains(string(data), "BEGIN:VEVENT") {
		t.Fatalf("encoded object has no VEVENT:\n%s", data)
	}

	res, err := ics.NewNormalizer(ics.Options{Location: time.UTC}).Normalize(data, model.Range{})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("event count: got %d, want 1", len(res.Events))
	}
	if got := res.Events[0]; got.Summary != "Review" || !got.Start.Equal(start) || got.AllDay {
		t.Errorf("event: got %+v, want timed Review at %v", got, start)
	}
}

func TestEncodeObjectRejectsNil(t *testing.T) {
	t.Parallel()
	if _, err := encodeObject(nil); err == nil {
		t.Error("encodeObject(nil): got nil error, want error")
	}
}
