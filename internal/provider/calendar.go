package provider

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"

	"dayboard/internal/apperr"
	appLog "dayboard/internal/log"
	"dayboard/internal/model"
)

const noTitle = "No Title"

// Collection is one source of calendar events. Google calendars and ICS
// subscriptions both satisfy it.
type Collection interface {
	CollectionID() string
	ListEvents(ctx context.Context, accessToken string, from, to time.Time) ([]model.RawCalendarEvent, error)
}

// CalendarIDs returns primary followed by the class calendars, without
// duplicates and in order.
func CalendarIDs(primary string, classIDs []string) []string {
	seen := make(map[string]bool, len(classIDs)+1)
	out := make([]string, 0, len(classIDs)+1)
	for _, id := range append([]string{primary}, classIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// GoogleCalendar is a single Google calendar.
type GoogleCalendar struct {
	api *Google
	id  string
}

func (g *Google) Calendar(id string) *GoogleCalendar {
	return &GoogleCalendar{api: g, id: id}
}

func (c *GoogleCalendar) CollectionID() string { return c.id }

// ListEvents expands recurring events server side and reads every page.
func (c *GoogleCalendar) ListEvents(ctx context.Context, accessToken string, from, to time.Time) ([]model.RawCalendarEvent, error) {
	op := "calendar " + c.id
	svc, err := c.api.calendarService(ctx, accessToken)
	if err != nil {
		return nil, classify(op, err)
	}

	var out []model.RawCalendarEvent
	err = svc.Events.List(c.id).
		TimeMin(from.Format(time.RFC3339Nano)).
		TimeMax(to.Format(time.RFC3339Nano)).
		SingleEvents(true).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, ok := rawEvent(c.id, item)
				if !ok {
					appLog.Warn("provider: event without usable start", "calendar", c.id, "id", item.Id)
					continue
				}
				out = append(out, ev)
			}
			return nil
		})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func rawEvent(collectionID string, item *calendar.Event) (model.RawCalendarEvent, bool) {
	start, ok := eventTime(item.Start)
	if !ok {
		return model.RawCalendarEvent{}, false
	}
	end, ok := eventTime(item.End)
	if !ok {
		end = start
	}
	title := item.Summary
	if title == "" {
		title = noTitle
	}
	return model.RawCalendarEvent{
		ID:                 item.Id,
		Title:              title,
		Start:              start,
		End:                end,
		SourceCollectionID: collectionID,
	}, true
}

func eventTime(dt *calendar.EventDateTime) (model.EventTime, bool) {
	if dt == nil {
		return model.EventTime{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return model.EventTime{}, false
		}
		return model.EventTime{Instant: t}, true
	}
	if dt.Date != "" {
		d, err := model.ParseDate(dt.Date)
		if err != nil {
			return model.EventTime{}, false
		}
		return model.EventTime{Date: d, AllDay: true}, true
	}
	return model.EventTime{}, false
}

// CalendarFetcher reads every configured collection for a window.
type CalendarFetcher struct {
	collections []Collection
	loc         *time.Location
}

// NewCalendarFetcher fetches collections in the given order; loc is the
// display zone that bounds the window.
func NewCalendarFetcher(loc *time.Location, collections ...Collection) *CalendarFetcher {
	if loc == nil {
		loc = time.Local
	}
	return &CalendarFetcher{collections: collections, loc: loc}
}

// FetchCalendarEvents returns the events of [windowStart 00:00, windowEnd
// 23:59:59.999] concatenated collection by collection. A failing
// collection is skipped; only when all of them fail is an error returned.
func (f *CalendarFetcher) FetchCalendarEvents(ctx context.Context, accessToken string, windowStart, windowEnd model.Date) ([]model.RawCalendarEvent, error) {
	from := windowStart.In(f.loc)
	to := windowEnd.AddDays(1).In(f.loc).Add(-time.Millisecond)

	var (
		out  []model.RawCalendarEvent
		errs []error
	)
	for _, c := range f.collections {
		events, err := c.ListEvents(ctx, accessToken, from, to)
		if err != nil {
			appLog.Warn("provider: collection skipped", "collection", c.CollectionID(), "err", err.Error())
			errs = append(errs, err)
			continue
		}
		out = append(out, events...)
	}
	if len(f.collections) > 0 && len(errs) == len(f.collections) {
		return nil, apperr.Join(errs)
	}
	return out, nil
}
