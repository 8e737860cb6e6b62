package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "dayboard/internal/log"
)

// vevent is one VEVENT before recurrence expansion.
type vevent struct {
	UID     string
	Seq     int
	Summary string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time
	// RecurrenceID is set on overrides of a single recurring instance.
	RecurrenceID *time.Time
}

// parseCalendar decodes an ICS payload. Broken VEVENTs are logged and
// skipped; only an unreadable calendar is an error.
func parseCalendar(src Source, body []byte) ([]vevent, error) {
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := make([]vevent, 0, len(cal.Events()))
	for _, comp := range cal.Events() {
		ev, err := parseVEvent(comp)
		if err != nil {
			appLog.Warn("ics vevent skipped", "id", src.ID, "err", err.Error())
			continue
		}
		out = append(out, ev)
	}
	appLog.Debug("ics parsed", "id", src.ID, "events", len(out))
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (vevent, error) {
	var ev vevent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, errors.New("missing UID")
	}
	ev.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Summary = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, errors.New("missing DTSTART")
	}
	ev.AllDay = isDateValue(dtStart)

	var err error
	if ev.Start, err = ve.GetStartAt(); err != nil {
		return ev, err
	}
	if ev.End, err = ve.GetEndAt(); err != nil {
		// DTEND is optional: a date lasts one day, a date-time is instantaneous.
		if ev.AllDay {
			ev.End = ev.Start.AddDate(0, 0, 1)
		} else {
			ev.End = ev.Start
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RRule = p.Value
	}

	loc := ev.Start.Location()
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, loc); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if t, err := parseICSTime(p.Value, loc); err == nil {
			ev.RecurrenceID = &t
		}
	}
	return ev, nil
}

// isDateValue reports VALUE=DATE or a value without a time part.
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parseICSTime handles the bare DATE / DATE-TIME / UTC forms found in
// EXDATE and RECURRENCE-ID. Floating values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
