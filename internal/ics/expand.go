package ics

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "dayboard/internal/log"
	"dayboard/internal/model"
)

const defaultMaxOccurrences = 5000

// expander turns parsed VEVENTs into concrete occurrences inside a range.
type expander struct {
	collectionID   string
	from, to       time.Time
	maxOccurrences int
}

// expand handles single events, RRULE recurrence, EXDATE and
// RECURRENCE-ID overrides. Output is sorted by start.
func (x expander) expand(events []vevent) []model.RawCalendarEvent {
	if x.maxOccurrences <= 0 {
		x.maxOccurrences = defaultMaxOccurrences
	}

	bases := make(map[string][]vevent)
	overrides := make(map[string][]vevent)
	var order []string
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	var out []model.RawCalendarEvent
	for _, uid := range order {
		for _, ev := range bases[uid] {
			if ev.RRule == "" {
				if overlaps(ev.Start, ev.End, x.from, x.to) {
					out = append(out, x.occurrence(pickOverride(ev, overrides[uid], ev.Start)))
				}
				continue
			}
			out = append(out, x.recurring(ev, overrides[uid])...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return startInstant(out[i]).Before(startInstant(out[j]))
	})
	return out
}

func (x expander) recurring(ev vevent, overrides []vevent) []model.RawCalendarEvent {
	rule, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Warn("ics bad RRULE", "uid", ev.UID, "rrule", ev.RRule, "err", err.Error())
		return nil
	}
	rule.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	dur := ev.End.Sub(ev.Start)
	// Widen by the duration so occurrences that started before the range
	// but are still running are kept.
	starts := set.Between(x.from.Add(-dur).In(loc), x.to.In(loc), true)
	if len(starts) > x.maxOccurrences {
		appLog.Warn("ics occurrences truncated", "uid", ev.UID, "cap", x.maxOccurrences)
		starts = starts[:x.maxOccurrences]
	}

	out := make([]model.RawCalendarEvent, 0, len(starts))
	for _, s := range starts {
		inst := ev
		inst.Start, inst.End = s, s.Add(dur)
		out = append(out, x.occurrence(pickOverride(inst, overrides, s)))
	}
	return out
}

// pickOverride returns the override whose RECURRENCE-ID matches start, or
// base unchanged.
func pickOverride(base vevent, overrides []vevent, start time.Time) vevent {
	for _, ov := range overrides {
		if ov.RecurrenceID.Equal(start) {
			return ov
		}
	}
	return base
}

func (x expander) occurrence(ev vevent) model.RawCalendarEvent {
	raw := model.RawCalendarEvent{
		ID:                 fmt.Sprintf("%s@%s", ev.UID, ev.Start.UTC().Format("20060102T150405Z")),
		Title:              ev.Summary,
		SourceCollectionID: x.collectionID,
	}
	if ev.AllDay {
		raw.Start = model.EventTime{Date: model.DateOf(ev.Start), AllDay: true}
		raw.End = model.EventTime{Date: model.DateOf(ev.End), AllDay: true}
	} else {
		raw.Start = model.EventTime{Instant: ev.Start}
		raw.End = model.EventTime{Instant: ev.End}
	}
	return raw
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Equal(aStart) {
		return !aStart.Before(bStart) && aStart.Before(bEnd)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

func startInstant(ev model.RawCalendarEvent) time.Time {
	if ev.Start.AllDay {
		return ev.Start.Date.In(time.UTC)
	}
	return ev.Start.Instant
}
