package calendar

import (
	"testing"
	"time"
)

func TestPollWindow(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name      string
		now       time.Time
		loc       *time.Location
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "wednesday",
			now:       time.Date(2021, 5, 5, 15, 30, 0, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2021, 4, 26, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2021, 5, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monday midnight",
			now:       time.Date(2021, 5, 3, 0, 0, 0, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2021, 4, 26, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2021, 5, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "sunday",
			now:       time.Date(2021, 5, 9, 23, 59, 0, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2021, 4, 26, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2021, 5, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "across DST change",
			now:       time.Date(2021, 3, 24, 12, 0, 0, 0, berlin),
			loc:       berlin,
			wantStart: time.Date(2021, 3, 15, 0, 0, 0, 0, berlin),
			wantEnd:   time.Date(2021, 4, 19, 0, 0, 0, 0, berlin),
		},
	}
	for _, tt := range tests {
		got := PollWindow(tt.now, tt.loc)
		if !got.Start.Equal(tt.wantStart) || !got.End.Equal(tt.wantEnd) {
			t.Errorf("%s: got %v..%v, want %v..%v", tt.name, got.Start, got.End, tt.wantStart, tt.wantEnd)
		}
	}
}
