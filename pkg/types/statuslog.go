package types

import "time"

// StatusEntry is one (status, time) pair of a task's history
type StatusEntry struct {
	Status    Status    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusLog is the append-only, time ordered history of status transitions.
// Its last entry always matches the task's current status.
type StatusLog []StatusEntry

// Append adds an entry, clamping its time so the log never goes backwards.
// The clamped time is returned.
func (l *StatusLog) Append(s Status, at time.Time) time.Time {
	if last, ok := l.Last(); ok && at.Before(last.Timestamp) {
		at = last.Timestamp
	}
	*l = append(*l, StatusEntry{Status: s, Timestamp: at})
	return at
}

// Last returns the newest entry
func (l StatusLog) Last() (StatusEntry, bool) {
	if len(l) == 0 {
		return StatusEntry{}, false
	}
	return l[len(l)-1], true
}

// First returns the time of the first entry with the given status
func (l StatusLog) First(s Status) (time.Time, bool) {
	for _, e := range l {
		if e.Status == s {
			return e.Timestamp, true
		}
	}
	return time.Time{}, false
}

// Latest returns the time of the most recent entry with the given status
func (l StatusLog) Latest(s Status) (time.Time, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Status == s {
			return l[i].Timestamp, true
		}
	}
	return time.Time{}, false
}

// Monotonic reports whether timestamps never decrease
func (l StatusLog) Monotonic() bool {
	for i := 1; i < len(l); i++ {
		if l[i].Timestamp.Before(l[i-1].Timestamp) {
			return false
		}
	}
	return true
}
