// Package normalize turns raw remote records into the fixed per-day view.
// Normalize is pure: the same inputs always yield the same SyncResult.
package normalize

import (
	"time"

	"dayboard/internal/model"
)

const minutesPerDay = 24 * 60

// Options carries the inputs that are configuration rather than data.
type Options struct {
	// ClassCollections marks collections whose events are classes.
	ClassCollections map[string]bool
	// Location is the display zone; timed instants take their date and
	// time of day from it. Nil means UTC.
	Location *time.Location
}

// ClassSet builds ClassCollections from a list of ids.
func ClassSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// Normalize builds windowDays consecutive days starting at windowStart and
// distributes events and tasks over them. Items outside the window are
// dropped; undated tasks go to UndatedTasks. Input order is kept.
func Normalize(events []model.RawCalendarEvent, tasks []model.RawTask, windowStart model.Date, windowDays int, opts Options) model.SyncResult {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	if windowDays < 0 {
		windowDays = 0
	}

	res := model.SyncResult{
		WindowStart:  windowStart,
		Days:         make([]model.Day, windowDays),
		UndatedTasks: []model.Task{},
	}
	for i := range res.Days {
		res.Days[i] = model.Day{
			Date:   windowStart.AddDays(i),
			Events: []model.CalendarEvent{},
			Tasks:  []model.Task{},
		}
	}
	dayIndex := func(d model.Date) (int, bool) {
		i := d.Sub(windowStart)
		return i, i >= 0 && i < windowDays
	}

	for _, raw := range events {
		date, ev := event(raw, loc, opts.ClassCollections)
		if i, ok := dayIndex(date); ok {
			res.Days[i].Events = append(res.Days[i].Events, ev)
		}
	}

	for _, raw := range tasks {
		if raw.Deleted {
			continue
		}
		t := task(raw)
		if raw.Due == nil {
			res.UndatedTasks = append(res.UndatedTasks, t)
			continue
		}
		if i, ok := dayIndex(*raw.Due); ok {
			res.Days[i].Tasks = append(res.Days[i].Tasks, t)
		}
	}
	return res
}

// event returns the day an event belongs to (its start day) and its
// normalized form.
func event(raw model.RawCalendarEvent, loc *time.Location, classes map[string]bool) (model.Date, model.CalendarEvent) {
	ev := model.CalendarEvent{
		ID:    raw.ID,
		Title: raw.Title,
		Type:  model.EventGeneric,
	}
	if classes[raw.SourceCollectionID] {
		ev.Type = model.EventClass
	}

	if raw.Start.AllDay {
		days := raw.End.Date.Sub(raw.Start.Date)
		if raw.End.Date.IsZero() || days < 1 {
			days = 1
		}
		ev.StartTimeOfDay = "00:00"
		ev.DurationMinutes = days * minutesPerDay
		return raw.Start.Date, ev
	}

	start := raw.Start.Instant.In(loc)
	ev.StartTimeOfDay = start.Format("15:04")
	if mins := int(raw.End.Instant.Sub(raw.Start.Instant) / time.Minute); mins > 0 {
		ev.DurationMinutes = mins
	}
	return model.DateOf(start), ev
}

func task(raw model.RawTask) model.Task {
	t := model.Task{
		ID:          raw.ID,
		Title:       raw.Title,
		Notes:       raw.Notes,
		IsCompleted: raw.Status == model.TaskCompleted,
	}
	if raw.Due != nil {
		t.DueDate = raw.Due.String()
	}
	return t
}
