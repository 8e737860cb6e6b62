package web

import (
	"net/http"
	"time"

	ical "github.com/arran4/golang-ical"

	"dayboard/internal/model"
)

const minutesPerDay = 24 * 60

func (s *Server) handleAgendaICS(w http.ResponseWriter, _ *http.Request) {
	v := s.agenda.View()
	if v.Result == nil {
		writeError(w, http.StatusServiceUnavailable, "agenda not loaded")
		return
	}
	stamp := v.UpdatedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="agenda.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(exportCalendar(*v.Result, s.loc, stamp)))
}

// exportCalendar renders the window's events as a VCALENDAR. An event
// starting at 00:00 that lasts whole days is written as an all-day event.
func exportCalendar(r model.SyncResult, loc *time.Location, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//dayboard//agenda//EN")
	cal.SetXWRCalName("dayboard")

	for _, day := range r.Days {
		for _, e := range day.Events {
			start, err := time.ParseInLocation("15:04", e.StartTimeOfDay, loc)
			if err != nil {
				continue
			}
			ev := cal.AddEvent(e.ID)
			ev.SetDtStampTime(stamp)
			ev.SetSummary(e.Title)
			if e.Type == model.EventClass {
				ev.SetProperty(ical.ComponentPropertyCategories, "CLASS")
			}

			if e.StartTimeOfDay == "00:00" && e.DurationMinutes > 0 && e.DurationMinutes%minutesPerDay == 0 {
				ev.SetAllDayStartAt(day.Date.In(loc))
				ev.SetAllDayEndAt(day.Date.AddDays(e.DurationMinutes / minutesPerDay).In(loc))
				continue
			}
			midnight := day.Date.In(loc)
			at := time.Date(midnight.Year(), midnight.Month(), midnight.Day(), start.Hour(), start.Minute(), 0, 0, loc)
			ev.SetStartAt(at)
			ev.SetEndAt(at.Add(time.Duration(e.DurationMinutes) * time.Minute))
		}
	}
	return cal.Serialize()
}
