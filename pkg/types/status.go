package types

// Status is the lifecycle state of a task
type Status string

const (
	StatusRequested        Status = "requested"
	StatusReserved         Status = "reserved"
	StatusStarted          Status = "started"
	StatusScraperStarted   Status = "scraper_started"
	StatusScraperRunning   Status = "scraper_running"
	StatusScraperCompleted Status = "scraper_completed"
	StatusScraperKilled    Status = "scraper_killed"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelRequested  Status = "cancel_requested"
	StatusCanceling        Status = "canceling"
	StatusCanceled         Status = "canceled"
)

// Event is something reported about a task. Status events carry the name of
// the status they move the task to; informational events leave the status alone.
type Event string

const (
	EventUpdate       Event = "update"
	EventCreatedFile  Event = "created_file"
	EventUploadedFile Event = "uploaded_file"
	EventFailedFile   Event = "failed_file"
	EventCheckedFile  Event = "checked_file"
)

// AllStatuses lists every status in pipeline order
var AllStatuses = []Status{
	StatusRequested,
	StatusReserved,
	StatusStarted,
	StatusScraperStarted,
	StatusScraperRunning,
	StatusScraperCompleted,
	StatusScraperKilled,
	StatusSucceeded,
	StatusFailed,
	StatusCancelRequested,
	StatusCanceling,
	StatusCanceled,
}

// activeStatuses are the non-terminal statuses outside the cancellation track
var activeStatuses = []Status{
	StatusRequested,
	StatusReserved,
	StatusStarted,
	StatusScraperStarted,
	StatusScraperRunning,
	StatusScraperCompleted,
	StatusScraperKilled,
}

// transitions is the single table of legal status successors
var transitions = map[Status][]Status{
	StatusRequested:        {StatusReserved},
	StatusReserved:         {StatusStarted, StatusFailed},
	StatusStarted:          {StatusScraperStarted, StatusFailed},
	StatusScraperStarted:   {StatusScraperRunning, StatusScraperCompleted, StatusScraperKilled, StatusFailed},
	StatusScraperRunning:   {StatusScraperCompleted, StatusScraperKilled, StatusFailed},
	StatusScraperKilled:    {StatusFailed},
	StatusScraperCompleted: {StatusSucceeded, StatusFailed},
	StatusCancelRequested:  {StatusCanceling, StatusCanceled, StatusSucceeded, StatusFailed},
	StatusCanceling:        {StatusCanceled, StatusFailed},
}

func init() {
	// the cancellation track is reachable from every active status
	for _, s := range activeStatuses {
		transitions[s] = append(transitions[s], StatusCancelRequested, StatusCanceled)
	}
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Incomplete reports whether the scraper was launched but the task has not
// been finalized yet
func (s Status) Incomplete() bool {
	switch s {
	case StatusScraperStarted, StatusScraperRunning, StatusScraperCompleted, StatusScraperKilled:
		return true
	}
	return false
}

// Canceling reports whether s is on the cancellation track
func (s Status) Canceling() bool {
	return s == StatusCancelRequested || s == StatusCanceling
}

// CanTransition reports whether next is a legal successor of s
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Successors returns the legal successors of s
func (s Status) Successors() []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// NonTerminalStatuses returns every status a live task may be in
func NonTerminalStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// StatusChange reports whether e moves a task to a new status
func (e Event) StatusChange() bool {
	return Status(e).Valid()
}

// FileEvent reports whether e carries a file record
func (e Event) FileEvent() bool {
	switch e {
	case EventCreatedFile, EventUploadedFile, EventFailedFile, EventCheckedFile:
		return true
	}
	return false
}

// Valid reports whether e is a known event
func (e Event) Valid() bool {
	return e == EventUpdate || e.FileEvent() || e.StatusChange()
}
