// Package provider fetches calendar events and tasks from Google Calendar
// v3 and Google Tasks v1, and completes tasks remotely. Remote records are
// parsed into the strict raw model types here and nowhere else.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tasksapi "google.golang.org/api/tasks/v1"

	"dayboard/internal/apperr"
)

const defaultTimeout = 15 * time.Second

// Google builds per-token API services. The zero value talks to the public
// endpoints with a 15s timeout.
type Google struct {
	// CalendarEndpoint and TasksEndpoint override the API base URLs.
	CalendarEndpoint string
	TasksEndpoint    string
	// Transport is the base round tripper under the bearer transport.
	Transport http.RoundTripper
	Timeout   time.Duration
}

func (g *Google) client(accessToken string) *http.Client {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   g.Transport,
		},
	}
}

func (g *Google) calendarService(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(g.client(accessToken))}
	if g.CalendarEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.CalendarEndpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func (g *Google) tasksService(ctx context.Context, accessToken string) (*tasksapi.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(g.client(accessToken))}
	if g.TasksEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.TasksEndpoint))
	}
	return tasksapi.NewService(ctx, opts...)
}

// classify maps a client library error onto the apperr taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if c := apperr.Classify(op, gErr.Code, gErr.Message); c != nil {
			return c
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &apperr.NetworkError{Op: op, Err: err}
}
