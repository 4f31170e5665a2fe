package types

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// Resources is a cpu/memory/disk vector. Memory and disk are in bytes.
type Resources struct {
	CPU    int   `json:"cpu" yaml:"cpu"`
	Memory int64 `json:"memory" yaml:"memory"`
	Disk   int64 `json:"disk" yaml:"disk"`
}

// Fits reports whether r fits within capacity on every dimension
func (r Resources) Fits(capacity Resources) bool {
	return r.CPU <= capacity.CPU && r.Memory <= capacity.Memory && r.Disk <= capacity.Disk
}

// Validate rejects negative dimensions
func (r Resources) Validate() error {
	if r.CPU < 0 || r.Memory < 0 || r.Disk < 0 {
		return fmt.Errorf("negative resources: cpu=%d memory=%d disk=%d: %w", r.CPU, r.Memory, r.Disk, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Periodicity is the recurrence class of a schedule
type Periodicity string

const (
	PeriodicityManual     Periodicity = "manual"
	PeriodicityMonthly    Periodicity = "monthly"
	PeriodicityQuarterly  Periodicity = "quarterly"
	PeriodicityBiannually Periodicity = "biannually"
	PeriodicityAnnually   Periodicity = "annually"
)

// Periodicities lists the recurring classes, shortest first
var Periodicities = []Periodicity{
	PeriodicityMonthly,
	PeriodicityQuarterly,
	PeriodicityBiannually,
	PeriodicityAnnually,
}

// Valid reports whether p is a known periodicity
func (p Periodicity) Valid() bool {
	if p == PeriodicityManual {
		return true
	}
	for _, known := range Periodicities {
		if p == known {
			return true
		}
	}
	return false
}

// TaskConfig is the resolved configuration of a task. Only the offliner,
// platform and resources are interpreted by the scheduler; flags are opaque.
type TaskConfig struct {
	Offliner    string                 `json:"offliner" yaml:"offliner"`
	Image       string                 `json:"image,omitempty" yaml:"image,omitempty"`
	Platform    string                 `json:"platform,omitempty" yaml:"platform,omitempty"`
	Resources   Resources              `json:"resources" yaml:"resources"`
	Flags       map[string]interface{} `json:"flags,omitempty" yaml:"flags,omitempty"`
	MonitorLogs bool                   `json:"monitor,omitempty" yaml:"monitor,omitempty"`
}

// Schedule is a recurring content-generation recipe
type Schedule struct {
	ID             string                 `json:"id" yaml:"id,omitempty"`
	Name           string                 `json:"name" yaml:"name"`
	Enabled        bool                   `json:"enabled" yaml:"enabled"`
	Periodicity    Periodicity            `json:"periodicity" yaml:"periodicity"`
	Context        string                 `json:"context,omitempty" yaml:"context,omitempty"`
	Config         TaskConfig             `json:"config" yaml:"config"`
	Tags           []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Notification   map[string]interface{} `json:"notification,omitempty" yaml:"notification,omitempty"`
	MostRecentTask string                 `json:"most_recent_task,omitempty" yaml:"-"`
	CreatedAt      time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time              `json:"updated_at" yaml:"-"`
}

// RequestedTask is a queued, not yet assigned unit of work
type RequestedTask struct {
	ID           string                 `json:"id"`
	ScheduleID   string                 `json:"schedule_id,omitempty"`
	ScheduleName string                 `json:"schedule_name"`
	Status       Status                 `json:"status"`
	Priority     int                    `json:"priority"`
	RequestedBy  string                 `json:"requested_by"`
	Worker       string                 `json:"worker,omitempty"`
	Context      string                 `json:"context,omitempty"`
	Config       TaskConfig             `json:"config"`
	Notification map[string]interface{} `json:"notification,omitempty"`
	Upload       map[string]interface{} `json:"upload,omitempty"`
	StatusLog    StatusLog              `json:"timestamp"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Orphaned reports whether the schedule the request came from was deleted
func (r *RequestedTask) Orphaned() bool {
	return r.ScheduleID == ""
}

// FileRecord tracks one artifact produced by a task
type FileRecord struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size,omitempty"`
	Status   Event     `json:"status"`
	Info     string    `json:"info,omitempty"`
	Created  time.Time `json:"created_timestamp,omitempty"`
	Uploaded time.Time `json:"uploaded_timestamp,omitempty"`
	Checked  time.Time `json:"check_timestamp,omitempty"`
}

// EventEntry is one entry of a task's full event history
type EventEntry struct {
	Code      Event     `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
}

// Task is an assigned unit of work and its status history
type Task struct {
	ID                   string                 `json:"id"`
	Status               Status                 `json:"status"`
	StatusLog            StatusLog              `json:"timestamp"`
	Events               []EventEntry           `json:"events"`
	WorkerName           string                 `json:"worker"`
	ScheduleID           string                 `json:"schedule_id,omitempty"`
	OriginalScheduleName string                 `json:"original_schedule_name"`
	CanceledBy           string                 `json:"canceled_by,omitempty"`
	Priority             int                    `json:"priority"`
	RequestedBy          string                 `json:"requested_by"`
	Context              string                 `json:"context,omitempty"`
	Config               TaskConfig             `json:"config"`
	Container            map[string]interface{} `json:"container,omitempty"`
	Files                map[string]*FileRecord `json:"files,omitempty"`
	Notification         map[string]interface{} `json:"notification,omitempty"`
	Upload               map[string]interface{} `json:"upload,omitempty"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// Orphaned reports whether the schedule the task came from was deleted
func (t *Task) Orphaned() bool {
	return t.ScheduleID == ""
}

// HistoryKey groups tasks of one schedule, falling back to the original name
// once the schedule is gone
func (t *Task) HistoryKey() string {
	if t.ScheduleID != "" {
		return "id:" + t.ScheduleID
	}
	return "name:" + t.OriginalScheduleName
}

// Worker is a fleet member claiming tasks
type Worker struct {
	Name      string         `json:"name"`
	Resources Resources      `json:"resources"`
	Offliners []string       `json:"offliners"`
	Platforms map[string]int `json:"platforms,omitempty"`
	Contexts  map[string]int `json:"contexts,omitempty"`
	LastSeen  time.Time      `json:"last_seen"`
	LastIP    string         `json:"last_ip,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// Supports reports whether the worker runs the given offliner
func (w *Worker) Supports(offliner string) bool {
	for _, o := range w.Offliners {
		if o == offliner {
			return true
		}
	}
	return false
}

// Offliner is the definition of a content generator
type Offliner struct {
	ID          string `json:"id" yaml:"id"`
	DockerImage string `json:"docker_image" yaml:"docker_image"`
	Platform    string `json:"platform,omitempty" yaml:"platform,omitempty"`
}
