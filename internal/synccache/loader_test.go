package synccache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayboard/internal/apperr"
	"dayboard/internal/model"
	"dayboard/internal/normalize"
)

type fakeEvents struct {
	events   []model.RawCalendarEvent
	err      error
	gotStart model.Date
	gotEnd   model.Date
}

func (f *fakeEvents) FetchCalendarEvents(_ context.Context, _ string, start, end model.Date) ([]model.RawCalendarEvent, error) {
	f.gotStart, f.gotEnd = start, end
	return f.events, f.err
}

type fakeTasks struct {
	tasks []model.RawTask
	err   error
}

func (f *fakeTasks) FetchTasks(context.Context, string) ([]model.RawTask, error) {
	return f.tasks, f.err
}

func TestLoaderJoinsAndNormalizes(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	due := model.MustParseDate("2026-01-20")
	events := &fakeEvents{events: []model.RawCalendarEvent{{
		ID: "e", Title: "Physics", SourceCollectionID: "classes",
		Start: model.EventTime{Instant: time.Date(2026, 1, 19, 9, 0, 0, 0, loc)},
		End:   model.EventTime{Instant: time.Date(2026, 1, 19, 10, 30, 0, 0, loc)},
	}}}
	tasks := &fakeTasks{tasks: []model.RawTask{{ID: "t", Due: &due}, {ID: "u"}}}

	load := NewLoader(LoaderConfig{
		Events:     events,
		Tasks:      tasks,
		WindowDays: 14,
		Normalize:  normalize.Options{ClassCollections: normalize.ClassSet([]string{"classes"}), Location: loc},
		// 2026-01-17 20:00 UTC is already the 18th in UTC+9.
		Now: func() time.Time { return time.Date(2026, 1, 17, 20, 0, 0, 0, time.UTC) },
	})

	res, err := load(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-18", events.gotStart.String())
	assert.Equal(t, "2026-01-31", events.gotEnd.String())
	assert.Equal(t, "2026-01-18", res.WindowStart.String())
	require.Len(t, res.Days, 14)
	require.Len(t, res.Days[1].Events, 1)
	assert.Equal(t, model.EventClass, res.Days[1].Events[0].Type)
	assert.Len(t, res.Days[2].Tasks, 1)
	assert.Len(t, res.UndatedTasks, 1)
}

func TestLoaderPrefersAuthError(t *testing.T) {
	load := NewLoader(LoaderConfig{
		Events: &fakeEvents{err: &apperr.NetworkError{Op: "calendar", Err: errors.New("reset")}},
		Tasks:  &fakeTasks{err: &apperr.AuthError{Status: http.StatusUnauthorized}},
	})
	_, err := load(context.Background(), "tok")
	assert.True(t, apperr.IsAuth(err))
}

func threeEvents() []model.RawCalendarEvent {
	var out []model.RawCalendarEvent
	for i, id := range []string{"a", "b", "c"} {
		start := time.Date(2026, 1, 19+i, 9, 0, 0, 0, time.UTC)
		out = append(out, model.RawCalendarEvent{
			ID: id, Title: id, SourceCollectionID: "primary",
			Start: model.EventTime{Instant: start},
			End:   model.EventTime{Instant: start.Add(time.Hour)},
		})
	}
	return out
}

func fixedDay() time.Time { return time.Date(2026, 1, 18, 8, 0, 0, 0, time.UTC) }

func countEvents(r model.SyncResult) int {
	n := 0
	for _, d := range r.Days {
		n += len(d.Events)
	}
	return n
}

func TestLoaderKeepsCalendarWhenTasksForbidden(t *testing.T) {
	load := NewLoader(LoaderConfig{
		Events:    &fakeEvents{events: threeEvents()},
		Tasks:     &fakeTasks{err: &apperr.AuthError{Op: "tasklists", Status: http.StatusForbidden}},
		Normalize: normalize.Options{Location: time.UTC},
		Now:       fixedDay,
	})
	res, err := load(context.Background(), "tok")

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "tasks", partial.Side)
	assert.False(t, apperr.IsAuth(err), "a scope the grant lacks must not end the session")
	assert.False(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, countEvents(res))
	assert.Empty(t, res.UndatedTasks)
	assert.Len(t, res.Days, 14)
}

func TestLoaderKeepsTasksWhenCalendarFails(t *testing.T) {
	load := NewLoader(LoaderConfig{
		Events:    &fakeEvents{err: &apperr.ServerError{Status: http.StatusServiceUnavailable, Retryable: true}},
		Tasks:     &fakeTasks{tasks: []model.RawTask{{ID: "u", Title: "Undated"}}},
		Normalize: normalize.Options{Location: time.UTC},
		Now:       fixedDay,
	})
	res, err := load(context.Background(), "tok")

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "calendar", partial.Side)
	assert.Zero(t, countEvents(res))
	require.Len(t, res.UndatedTasks, 1)
	assert.Equal(t, "u", res.UndatedTasks[0].ID)
}

func TestLoaderRejectedTokenFailsCycle(t *testing.T) {
	load := NewLoader(LoaderConfig{
		Events: &fakeEvents{events: threeEvents()},
		Tasks:  &fakeTasks{err: &apperr.AuthError{Status: http.StatusUnauthorized}},
		Now:    fixedDay,
	})
	_, err := load(context.Background(), "tok")
	var partial *PartialError
	assert.False(t, errors.As(err, &partial))
	assert.True(t, apperr.IsAuth(err))
}

func TestLoaderBothSidesFailing(t *testing.T) {
	load := NewLoader(LoaderConfig{
		Events: &fakeEvents{err: &apperr.NetworkError{Op: "calendar", Err: errors.New("reset")}},
		Tasks:  &fakeTasks{err: &apperr.ServerError{Status: http.StatusServiceUnavailable, Retryable: true}},
	})
	_, err := load(context.Background(), "tok")
	var partial *PartialError
	assert.False(t, errors.As(err, &partial))
	assert.True(t, apperr.IsRetryable(err))
}
