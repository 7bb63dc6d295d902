package notify

import (
	"testing"
	"time"
)

func clock(hour, minute int) time.Time {
	return time.Date(2026, 3, 1, hour, minute, 0, 0, time.UTC)
}

func TestInQuietHours(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		now   time.Time
		want  bool
	}{
		{"no window configured", "", "", clock(3, 0), false},
		{"same-day inside", "13:00", "15:00", clock(14, 0), true},
		{"same-day before", "13:00", "15:00", clock(12, 59), false},
		{"same-day at start", "13:00", "15:00", clock(13, 0), true},
		{"same-day at end", "13:00", "15:00", clock(15, 0), false},
		{"overnight late evening", "22:00", "07:00", clock(23, 30), true},
		{"overnight early morning", "22:00", "07:00", clock(6, 59), true},
		{"overnight midday", "22:00", "07:00", clock(12, 0), false},
		{"overnight at end", "22:00", "07:00", clock(7, 0), false},
		{"degenerate equal window", "09:00", "09:00", clock(9, 0), false},
		{"malformed start", "25:00", "07:00", clock(3, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Preferences{QuietHoursStart: tt.start, QuietHoursEnd: tt.end}
			if got := p.InQuietHours(tt.now); got != tt.want {
				t.Errorf("InQuietHours(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestQuietHoursEndTime(t *testing.T) {
	p := Preferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}

	// During the overnight window the end is the same morning.
	got := p.QuietHoursEndTime(clock(2, 0))
	if want := clock(7, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// After today's end the next closing is tomorrow morning.
	got = p.QuietHoursEndTime(clock(23, 0))
	if want := clock(7, 0).Add(24 * time.Hour); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEnabledChannels(t *testing.T) {
	base := Preferences{
		RealtimeEnabled: true,
		PushEnabled:     true,
		EmailEnabled:    true,
		SMSEnabled:      false,
	}

	tests := []struct {
		name    string
		prefs   Preferences
		payload Payload
		want    []Channel
	}{
		{
			"defaults exclude sms",
			base,
			Payload{Category: CategoryOrder},
			[]Channel{ChannelRealtime, ChannelPush, ChannelEmail},
		},
		{
			"urgent adds sms",
			base,
			Payload{Category: CategoryOrder, Urgent: true},
			[]Channel{ChannelRealtime, ChannelPush, ChannelEmail, ChannelSMS},
		},
		{
			"disabled category drops everything",
			Preferences{RealtimeEnabled: true, DisabledCategories: []Category{CategoryMarketing}},
			Payload{Category: CategoryMarketing},
			nil,
		},
		{
			"urgent overrides disabled category",
			Preferences{RealtimeEnabled: true, DisabledCategories: []Category{CategoryOrder}},
			Payload{Category: CategoryOrder, Urgent: true},
			[]Channel{ChannelRealtime, ChannelSMS},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.prefs.EnabledChannels(tt.payload)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("channel %d: expected %s, got %s", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestApplyPatch(t *testing.T) {
	p := DefaultPreferences("u1")

	off := false
	start, end := "22:00", "07:00"
	updated := p.Apply(PreferencesPatch{
		PushEnabled:     &off,
		QuietHoursStart: &start,
		QuietHoursEnd:   &end,
	})

	if updated.PushEnabled {
		t.Error("expected push disabled")
	}
	if !updated.EmailEnabled || !updated.RealtimeEnabled {
		t.Error("untouched fields must keep their values")
	}
	if updated.QuietHoursStart != "22:00" || updated.QuietHoursEnd != "07:00" {
		t.Errorf("quiet hours not applied: %+v", updated)
	}
}
