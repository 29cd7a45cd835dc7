package service

import (
	"time"

	"tasknotif/internal/domain"
)

const (
	DropChannelDisabled = "channel_disabled"
	DropTypeDisabled    = "type_disabled"
	DropDoNotDisturb    = "do_not_disturb"
	DropDuplicate       = "duplicate"
)

type Dropped struct {
	Channel domain.Channel
	Reason  string
}

// FilterChannels applies the user's channel toggles, type toggle and
// do-not-disturb window to requested, keeping request order. If everything is
// filtered out but system was requested, system is kept. now must already be in
// the zone the window is expressed in.
func FilterChannels(requested []domain.Channel, t domain.NotificationType, settings domain.UserNotificationSettings, now time.Time) ([]domain.Channel, []Dropped) {
	allowed := []domain.Channel{}
	var dropped []Dropped
	seen := map[domain.Channel]bool{}
	systemRequested := false
	typeOn := settings.TypeEnabled(t)
	dnd := settings.InDoNotDisturb(now)

	for _, ch := range requested {
		if seen[ch] {
			dropped = append(dropped, Dropped{ch, DropDuplicate})
			continue
		}
		seen[ch] = true
		if ch == domain.ChannelSystem {
			systemRequested = true
		}
		switch {
		case !settings.ChannelEnabled(ch):
			dropped = append(dropped, Dropped{ch, DropChannelDisabled})
		case !typeOn:
			dropped = append(dropped, Dropped{ch, DropTypeDisabled})
		case dnd && ch.Intrusive():
			dropped = append(dropped, Dropped{ch, DropDoNotDisturb})
		default:
			allowed = append(allowed, ch)
		}
	}
	if len(allowed) == 0 && systemRequested {
		allowed = append(allowed, domain.ChannelSystem)
	}
	return allowed, dropped
}
