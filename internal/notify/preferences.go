package notify

import (
	"fmt"
	"time"
)

// DefaultPreferences: realtime + in-app on, push on, email on, SMS off unless
// the payload is urgent.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:          userID,
		RealtimeEnabled: true,
		PushEnabled:     true,
		EmailEnabled:    true,
		SMSEnabled:      false,
		UpdatedAt:       time.Now().UTC(),
	}
}

// Apply merges a partial update into the preferences.
func (p Preferences) Apply(patch PreferencesPatch) Preferences {
	if patch.RealtimeEnabled != nil {
		p.RealtimeEnabled = *patch.RealtimeEnabled
	}
	if patch.PushEnabled != nil {
		p.PushEnabled = *patch.PushEnabled
	}
	if patch.EmailEnabled != nil {
		p.EmailEnabled = *patch.EmailEnabled
	}
	if patch.SMSEnabled != nil {
		p.SMSEnabled = *patch.SMSEnabled
	}
	if patch.DisabledCategories != nil {
		p.DisabledCategories = *patch.DisabledCategories
	}
	if patch.QuietHoursStart != nil {
		p.QuietHoursStart = *patch.QuietHoursStart
	}
	if patch.QuietHoursEnd != nil {
		p.QuietHoursEnd = *patch.QuietHoursEnd
	}
	p.UpdatedAt = time.Now().UTC()
	return p
}

// CategoryEnabled reports whether the user receives this category at all.
func (p Preferences) CategoryEnabled(cat Category) bool {
	for _, c := range p.DisabledCategories {
		if c == cat {
			return false
		}
	}
	return true
}

// EnabledChannels resolves the channel set for a payload. SMS joins the set
// for urgent payloads even when normally disabled.
func (p Preferences) EnabledChannels(payload Payload) []Channel {
	if !p.CategoryEnabled(payload.Category) && !payload.Urgent {
		return nil
	}

	var out []Channel
	if p.RealtimeEnabled {
		out = append(out, ChannelRealtime)
	}
	if p.PushEnabled {
		out = append(out, ChannelPush)
	}
	if p.EmailEnabled {
		out = append(out, ChannelEmail)
	}
	if p.SMSEnabled || payload.Urgent {
		out = append(out, ChannelSMS)
	}
	return out
}

// InQuietHours reports whether now falls inside the user's quiet window.
// Handles both same-day (start < end) and overnight (start > end) windows.
func (p Preferences) InQuietHours(now time.Time) bool {
	start, okStart := parseClock(p.QuietHoursStart)
	end, okEnd := parseClock(p.QuietHoursEnd)
	if !okStart || !okEnd || start == end {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	// Overnight window, e.g. 22:00-07:00.
	return minutes >= start || minutes < end
}

// QuietHoursEndTime returns the next instant the quiet window closes.
func (p Preferences) QuietHoursEndTime(now time.Time) time.Time {
	end, ok := parseClock(p.QuietHoursEnd)
	if !ok {
		return now
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), end/60, end%60, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func parseClock(s string) (minutes int, ok bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
