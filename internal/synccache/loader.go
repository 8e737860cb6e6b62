package synccache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"dayboard/internal/apperr"
	appLog "dayboard/internal/log"
	"dayboard/internal/model"
	"dayboard/internal/normalize"
)

// Loader performs one fetch-and-normalize pass for an access token.
type Loader func(ctx context.Context, accessToken string) (model.SyncResult, error)

type EventFetcher interface {
	FetchCalendarEvents(ctx context.Context, accessToken string, windowStart, windowEnd model.Date) ([]model.RawCalendarEvent, error)
}

type TaskFetcher interface {
	FetchTasks(ctx context.Context, accessToken string) ([]model.RawTask, error)
}

// LoaderConfig wires the fetchers to the normalizer.
type LoaderConfig struct {
	Events     EventFetcher
	Tasks      TaskFetcher
	WindowDays int
	Normalize  normalize.Options
	// Now defaults to time.Now; the window starts on its date in the
	// display zone.
	Now func() time.Time
}

// PartialError reports that one of the two collections failed while the
// other was fetched. The loader returns it together with a usable result
// built from the side that succeeded.
type PartialError struct {
	Side string
	Err  error
}

// Error does not unwrap, so IsAuth and IsRetryable treat the cycle as done.
func (e *PartialError) Error() string {
	return "partial sync, " + e.Side + " unavailable: " + e.Err.Error()
}

// NewLoader runs both fetchers concurrently and normalizes once both are
// done. When only one side fails the other is still normalized and a
// *PartialError comes back with the result, unless the failure is a 401:
// a rejected access token fails the cycle so the session owner can renew
// it. If both fail, an auth failure is reported in preference to the
// other error.
func NewLoader(cfg LoaderConfig) Loader {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 14
	}
	return func(ctx context.Context, accessToken string) (model.SyncResult, error) {
		loc := cfg.Normalize.Location
		if loc == nil {
			loc = time.Local
		}
		start := model.DateOf(cfg.Now().In(loc))
		end := start.AddDays(cfg.WindowDays - 1)

		var (
			events        []model.RawCalendarEvent
			tasks         []model.RawTask
			evErr, tskErr error
			g             errgroup.Group
		)
		// No shared cancellation: one side failing leaves the other running.
		g.Go(func() error {
			events, evErr = cfg.Events.FetchCalendarEvents(ctx, accessToken, start, end)
			return nil
		})
		g.Go(func() error {
			tasks, tskErr = cfg.Tasks.FetchTasks(ctx, accessToken)
			return nil
		})
		_ = g.Wait()

		var partial *PartialError
		switch {
		case evErr != nil && tskErr != nil:
			if apperr.IsAuth(tskErr) && !apperr.IsAuth(evErr) {
				return model.SyncResult{}, tskErr
			}
			return model.SyncResult{}, evErr
		case tokenRejected(evErr):
			return model.SyncResult{}, evErr
		case tokenRejected(tskErr):
			return model.SyncResult{}, tskErr
		case evErr != nil:
			events = nil
			partial = &PartialError{Side: "calendar", Err: evErr}
		case tskErr != nil:
			tasks = nil
			partial = &PartialError{Side: "tasks", Err: tskErr}
		}
		if partial != nil {
			appLog.Warn("synccache: showing partial agenda", "unavailable", partial.Side, "err", partial.Err.Error())
		}

		opts := cfg.Normalize
		opts.Location = loc
		res := normalize.Normalize(events, tasks, start, cfg.WindowDays, opts)
		if partial != nil {
			return res, partial
		}
		return res, nil
	}
}

// tokenRejected reports a 401: the access token itself is no longer
// accepted, as opposed to a 403 on one API the grant does not cover.
func tokenRejected(err error) bool {
	var ae *apperr.AuthError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}
