package peer

import "sort"

// Trust dominates the score, then proximity, then recent activity. Blocked
// devices score below zero so they never surface as candidates.
const (
	scoreTrusted    = 40
	scorePending    = 20
	scoreDiscovered = 10
	scoreBlocked    = -100

	scoreNear = 30
	scoreMid  = 20
	scoreFar  = 10

	scoreConnected  = 15
	activityCeiling = 20
)

type Ranked struct {
	Device Device
	Score  int
}

func Score(d Device) int {
	var s int
	switch d.Trust {
	case TrustTrusted:
		s += scoreTrusted
	case TrustPending:
		s += scorePending
	case TrustDiscovered:
		s += scoreDiscovered
	case TrustBlocked:
		return scoreBlocked
	}
	switch {
	case d.RSSI >= -50:
		s += scoreNear
	case d.RSSI >= -70:
		s += scoreMid
	case d.RSSI >= -85:
		s += scoreFar
	}
	if d.Connected {
		s += scoreConnected
	}
	activity := d.Messages
	if activity > activityCeiling {
		activity = activityCeiling
	}
	s += activity
	return s
}

// Rank returns the non-blocked devices ordered best-first. Ties break on
// device ID so the ordering is stable across calls.
func (r *Registry) Rank() []Ranked {
	devices := r.List()
	out := make([]Ranked, 0, len(devices))
	for _, dev := range devices {
		if dev.Trust == TrustBlocked {
			continue
		}
		out = append(out, Ranked{Device: dev, Score: Score(dev)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Device.ID < out[j].Device.ID
	})
	return out
}
