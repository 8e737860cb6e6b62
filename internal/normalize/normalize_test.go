package normalize

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayboard/internal/model"
)

var start = model.MustParseDate("2026-01-18")

func due(s string) *model.Date {
	d := model.MustParseDate(s)
	return &d
}

func timed(id, collection string, from, to time.Time) model.RawCalendarEvent {
	return model.RawCalendarEvent{
		ID: id, Title: id, SourceCollectionID: collection,
		Start: model.EventTime{Instant: from},
		End:   model.EventTime{Instant: to},
	}
}

func TestWindowShape(t *testing.T) {
	res := Normalize(nil, nil, start, 14, Options{})
	require.Len(t, res.Days, 14)
	assert.Equal(t, start, res.WindowStart)
	for i, d := range res.Days {
		assert.Equal(t, start.AddDays(i), d.Date)
		assert.NotNil(t, d.Events)
		assert.NotNil(t, d.Tasks)
	}
	assert.Equal(t, "2026-01-31", res.Days[13].Date.String())
	assert.NotNil(t, res.UndatedTasks)
}

func TestClassEvent(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	ev := timed("algebra", "class-cal",
		time.Date(2026, 1, 19, 9, 0, 0, 0, loc),
		time.Date(2026, 1, 19, 10, 30, 0, 0, loc))

	res := Normalize([]model.RawCalendarEvent{ev}, nil, start, 14, Options{
		ClassCollections: ClassSet([]string{"class-cal"}),
		Location:         loc,
	})

	require.Len(t, res.Days[1].Events, 1)
	got := res.Days[1].Events[0]
	assert.Equal(t, model.EventClass, got.Type)
	assert.Equal(t, "09:00", got.StartTimeOfDay)
	assert.Equal(t, 90, got.DurationMinutes)
}

func TestTimedEventUsesDisplayZone(t *testing.T) {
	// 2026-01-19 03:00 UTC is still the 18th in UTC-5.
	ev := timed("late", "primary",
		time.Date(2026, 1, 19, 3, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 19, 2, 0, 0, 0, time.UTC))
	res := Normalize([]model.RawCalendarEvent{ev}, nil, start, 14, Options{Location: time.FixedZone("UTC-5", -5*3600)})

	require.Len(t, res.Days[0].Events, 1)
	assert.Equal(t, "22:00", res.Days[0].Events[0].StartTimeOfDay)
	assert.Equal(t, model.EventGeneric, res.Days[0].Events[0].Type)
	assert.Zero(t, res.Days[0].Events[0].DurationMinutes, "negative duration clamps to zero")
}

func TestAllDayEvents(t *testing.T) {
	oneDay := model.RawCalendarEvent{ID: "one", Start: model.EventTime{Date: model.MustParseDate("2026-01-20"), AllDay: true}, End: model.EventTime{Date: model.MustParseDate("2026-01-21"), AllDay: true}}
	threeDays := model.RawCalendarEvent{ID: "three", Start: model.EventTime{Date: model.MustParseDate("2026-01-20"), AllDay: true}, End: model.EventTime{Date: model.MustParseDate("2026-01-23"), AllDay: true}}
	noEnd := model.RawCalendarEvent{ID: "open", Start: model.EventTime{Date: model.MustParseDate("2026-01-20"), AllDay: true}}

	res := Normalize([]model.RawCalendarEvent{oneDay, threeDays, noEnd}, nil, start, 14, Options{})
	events := res.Days[2].Events
	require.Len(t, events, 3)
	assert.Equal(t, "00:00", events[0].StartTimeOfDay)
	assert.Equal(t, 1440, events[0].DurationMinutes)
	assert.Equal(t, 3*1440, events[1].DurationMinutes)
	assert.Equal(t, 1440, events[2].DurationMinutes)

	// Multi-day events are attributed to their start day only.
	assert.Empty(t, res.Days[3].Events)
}

func TestEventsOutsideWindowDropped(t *testing.T) {
	before := timed("before", "p", time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC), time.Date(2026, 1, 17, 13, 0, 0, 0, time.UTC))
	after := timed("after", "p", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC))
	res := Normalize([]model.RawCalendarEvent{before, after}, nil, start, 14, Options{})
	for _, d := range res.Days {
		assert.Empty(t, d.Events)
	}
}

func TestTaskPartition(t *testing.T) {
	tasks := []model.RawTask{
		{ID: "in-1", Due: due("2026-01-18"), Status: model.TaskNeedsAction},
		{ID: "undated", Status: model.TaskNeedsAction},
		{ID: "past", Due: due("2026-01-10")},
		{ID: "in-2", Due: due("2026-01-31"), Status: model.TaskCompleted},
		{ID: "future", Due: due("2026-02-01")},
		{ID: "deleted", Due: due("2026-01-19"), Deleted: true},
		{ID: "in-3", Due: due("2026-01-18")},
	}
	res := Normalize(nil, tasks, start, 14, Options{})

	placed := map[string]int{}
	for _, d := range res.Days {
		for _, tk := range d.Tasks {
			placed[tk.ID]++
			assert.Equal(t, d.Date.String(), tk.DueDate)
			assert.Empty(t, tk.TimeOfDay)
		}
	}
	for _, tk := range res.UndatedTasks {
		placed[tk.ID]++
		assert.Empty(t, tk.DueDate)
	}

	assert.Equal(t, map[string]int{"in-1": 1, "in-2": 1, "in-3": 1, "undated": 1}, placed)
	assert.Equal(t, []string{"in-1", "in-3"}, []string{res.Days[0].Tasks[0].ID, res.Days[0].Tasks[1].ID}, "input order kept")
	assert.True(t, res.Days[13].Tasks[0].IsCompleted)
	assert.False(t, res.Days[0].Tasks[0].IsCompleted)
}

func TestDueDateIgnoresDisplayZone(t *testing.T) {
	raw, err := model.ParseDate("2026-01-18T00:00:00.000Z")
	require.NoError(t, err)
	tasks := []model.RawTask{{ID: "t", Due: &raw}}

	for _, offset := range []int{-10, -5, 0, 9, 14} {
		loc := time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
		res := Normalize(nil, tasks, start, 14, Options{Location: loc})
		require.Len(t, res.Days[0].Tasks, 1, "offset %d", offset)
		assert.Equal(t, "2026-01-18", res.Days[0].Tasks[0].DueDate)
	}
}

func TestNormalizeIsPure(t *testing.T) {
	events := []model.RawCalendarEvent{
		timed("a", "c", time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC), time.Date(2026, 1, 19, 10, 0, 0, 0, time.UTC)),
	}
	tasks := []model.RawTask{{ID: "x", Due: due("2026-01-20")}, {ID: "y"}}
	opts := Options{ClassCollections: ClassSet([]string{"c"}), Location: time.UTC}

	first := Normalize(events, tasks, start, 14, opts)
	second := Normalize(events, tasks, start, 14, opts)
	assert.Equal(t, first, second)
	assert.Equal(t, "2026-01-20", tasks[0].Due.String(), "inputs untouched")
	assert.Len(t, events, 1)
}
