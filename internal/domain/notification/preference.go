package notification

import (
	"time"

	"github.com/google/uuid"
)

// QuietHours is a daily local window; End before Start wraps midnight.
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// Active reports whether now falls inside the window. Malformed windows and
// unknown zones are treated as inactive so notifications are not lost.
func (q *QuietHours) Active(now time.Time) bool {
	if q == nil {
		return false
	}
	start, ok1 := parseClock(q.Start)
	end, ok2 := parseClock(q.End)
	if !ok1 || !ok2 || start == end {
		return false
	}
	loc := time.UTC
	if q.Timezone != "" {
		l, err := time.LoadLocation(q.Timezone)
		if err != nil {
			return false
		}
		loc = l
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

type PushSubscription struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Endpoint string    `json:"endpoint"`
	P256dh   string    `json:"p256dh"`
	Auth     string    `json:"auth"`
	Active   bool      `json:"active"`
}

// ChannelPreference is a user's delivery configuration.
type ChannelPreference struct {
	UserID        uuid.UUID              `json:"user_id"`
	SocketEnabled bool                   `json:"socket_enabled"`
	EmailEnabled  bool                   `json:"email_enabled"`
	SMSEnabled    bool                   `json:"sms_enabled"`
	PushEnabled   bool                   `json:"push_enabled"`
	EmailAddress  string                 `json:"email_address,omitempty"`
	PhoneNumber   string                 `json:"phone_number,omitempty"`
	Push          *PushSubscription      `json:"push_subscription,omitempty"`
	Categories    map[Category][]Channel `json:"categories,omitempty"`
	QuietHours    *QuietHours            `json:"quiet_hours,omitempty"`
}

// DefaultPreference is used when a user has never saved preferences: socket,
// plus email when the profile has an address.
func DefaultPreference(userID uuid.UUID, email string) *ChannelPreference {
	return &ChannelPreference{
		UserID:        userID,
		SocketEnabled: true,
		EmailEnabled:  email != "",
		EmailAddress:  email,
	}
}

func (p *ChannelPreference) enabled(ch Channel) bool {
	switch ch {
	case ChannelSocket:
		return p.SocketEnabled
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelSMS:
		return p.SMSEnabled
	case ChannelPush:
		return p.PushEnabled
	}
	return false
}

// Target returns the address for ch and whether one is configured. The socket
// target is the user id.
func (p *ChannelPreference) Target(ch Channel) (string, bool) {
	switch ch {
	case ChannelSocket:
		return p.UserID.String(), true
	case ChannelEmail:
		return p.EmailAddress, p.EmailAddress != ""
	case ChannelSMS:
		return p.PhoneNumber, p.PhoneNumber != ""
	case ChannelPush:
		if p.Push != nil && p.Push.Active && p.Push.Endpoint != "" {
			return p.Push.Endpoint, true
		}
	}
	return "", false
}

func (p *ChannelPreference) allowedForCategory(cat Category, ch Channel) bool {
	allowed, ok := p.Categories[cat]
	if !ok {
		return true
	}
	for _, c := range allowed {
		if c == ch {
			return true
		}
	}
	return false
}

// PlannedChannel is one channel the dispatcher will attempt.
type PlannedChannel struct {
	Channel Channel
	Target  string
}

// Plan selects the channels for a notification: allowed for the category,
// enabled, with a target, and not intrusive during quiet hours unless the
// priority is urgent. suppressed lists channels dropped by quiet hours.
func (p *ChannelPreference) Plan(cat Category, prio Priority, now time.Time) (planned []PlannedChannel, suppressed []Channel) {
	quiet := prio != PriorityUrgent && p.QuietHours.Active(now)
	for _, ch := range Channels {
		if !p.enabled(ch) || !p.allowedForCategory(cat, ch) {
			continue
		}
		target, ok := p.Target(ch)
		if !ok {
			continue
		}
		if quiet && ch.Intrusive() {
			suppressed = append(suppressed, ch)
			continue
		}
		planned = append(planned, PlannedChannel{Channel: ch, Target: target})
	}
	return planned, suppressed
}
