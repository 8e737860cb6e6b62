package model

import "time"

// Session holds the delegated credentials of the single signed-in user.
// It is owned by the coordinator and persisted only through a credential
// store.
type Session struct {
	AccessToken       string
	AccessTokenExpiry time.Time
	// RefreshToken is empty when the issuer did not hand one out.
	RefreshToken  string
	Authenticated bool

	// Generation increases on every credential change or logout. Work
	// started under an older generation must not be applied.
	Generation uint64
}

// Valid reports whether the access token can be used at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || !s.Authenticated || s.AccessToken == "" {
		return false
	}
	return s.AccessTokenExpiry.After(now)
}

// CanRefresh reports whether a refresh-token exchange is possible.
func (s *Session) CanRefresh() bool {
	return s != nil && s.RefreshToken != ""
}

// EventTime is the start or end of a remote event. Exactly one of Instant
// (timed events) or Date (all-day events) is meaningful.
type EventTime struct {
	Instant time.Time
	Date    Date
	AllDay  bool
}

// RawCalendarEvent is a provider event as fetched, before normalization.
type RawCalendarEvent struct {
	ID    string
	Title string
	Start EventTime
	End   EventTime
	// SourceCollectionID is the calendar the event was read from; it is
	// only used for classification.
	SourceCollectionID string
}

type TaskStatus string

const (
	TaskNeedsAction TaskStatus = "needsAction"
	TaskCompleted   TaskStatus = "completed"
)

// ParseTaskStatus defaults unknown values to needsAction.
func ParseTaskStatus(s string) TaskStatus {
	if TaskStatus(s) == TaskCompleted {
		return TaskCompleted
	}
	return TaskNeedsAction
}

// RawTask is a provider task as fetched. The provider never carries a time
// of day for Due.
type RawTask struct {
	ID      string
	ListID  string
	Title   string
	Notes   string
	Status  TaskStatus
	Due     *Date
	Deleted bool
}

type EventType string

const (
	EventClass   EventType = "class"
	EventGeneric EventType = "generic"
)

// CalendarEvent is the normalized event handed to consumers.
type CalendarEvent struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Type            EventType `json:"type"`
	StartTimeOfDay  string    `json:"start"`
	DurationMinutes int       `json:"duration"`
}

// Task is the normalized task handed to consumers. DueDate is empty for
// undated tasks.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Notes       string `json:"notes,omitempty"`
	IsCompleted bool   `json:"isCompleted"`
	DueDate     string `json:"dueDate"`
	TimeOfDay   string `json:"time,omitempty"`
}

// Day is one date of the window. Days are rebuilt on every sync.
type Day struct {
	Date   Date            `json:"date"`
	Events []CalendarEvent `json:"events"`
	Tasks  []Task          `json:"tasks"`
}

// SyncResult is the complete output of one normalization pass.
type SyncResult struct {
	WindowStart  Date   `json:"windowStart"`
	Days         []Day  `json:"days"`
	UndatedTasks []Task `json:"undatedTasks"`
}

// WithoutTasks returns a copy of r with the given task ids removed from
// every day and from the undated bucket. r is not modified.
func (r SyncResult) WithoutTasks(hidden map[string]bool) SyncResult {
	if len(hidden) == 0 {
		return r
	}
	out := SyncResult{
		WindowStart:  r.WindowStart,
		Days:         make([]Day, len(r.Days)),
		UndatedTasks: filterTasks(r.UndatedTasks, hidden),
	}
	for i, d := range r.Days {
		out.Days[i] = Day{
			Date:   d.Date,
			Events: d.Events,
			Tasks:  filterTasks(d.Tasks, hidden),
		}
	}
	return out
}

func filterTasks(in []Task, hidden map[string]bool) []Task {
	out := make([]Task, 0, len(in))
	for _, t := range in {
		if hidden[t.ID] {
			continue
		}
		out = append(out, t)
	}
	return out
}
