package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dayboard/internal/config"
	"dayboard/internal/coordinator"
	"dayboard/internal/credstore"
	"dayboard/internal/ics"
	appLog "dayboard/internal/log"
	"dayboard/internal/metrics"
	"dayboard/internal/normalize"
	"dayboard/internal/provider"
	"dayboard/internal/synccache"
	"dayboard/internal/token"
)

// app is the wired object graph shared by the subcommands.
type app struct {
	cfg   *config.Config
	reg   *prometheus.Registry
	cache *synccache.Cache
	coord *coordinator.Coordinator
}

func newApp(cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}

	store, err := credstore.Open(credstore.Options{
		Backend:         cfg.Credentials.Backend,
		Path:            cfg.Credentials.Path,
		KeyringService:  cfg.Credentials.KeyringService,
		KeyringPassword: os.Getenv("DAYBOARD_KEYRING_PASSWORD"),
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSync(reg)

	google := &provider.Google{
		CalendarEndpoint: cfg.Google.CalendarBaseURL,
		TasksEndpoint:    cfg.Google.TasksBaseURL,
	}
	collections := make([]provider.Collection, 0, 1+len(cfg.Calendar.ClassCalendarIDs)+len(cfg.ICS))
	for _, id := range provider.CalendarIDs(cfg.Calendar.Primary, cfg.Calendar.ClassCalendarIDs) {
		collections = append(collections, google.Calendar(id))
	}
	classIDs := append([]string{}, cfg.Calendar.ClassCalendarIDs...)
	if len(cfg.ICS) > 0 {
		fetcher := ics.NewFetcher(cfg.ICSCacheDir, nil)
		for _, sub := range cfg.ICS {
			if sub.URL == "" {
				continue
			}
			id := sub.ID
			if id == "" {
				if sub.Name != "" {
					id = sub.Name
				} else {
					id = sub.URL
				}
			}
			collections = append(collections, ics.NewCalendar(ics.Source{ID: id, URL: sub.URL}, fetcher))
		}
	}
	tasks := provider.NewTaskFetcher(google)

	load := synccache.NewLoader(synccache.LoaderConfig{
		Events:     provider.NewCalendarFetcher(loc, collections...),
		Tasks:      tasks,
		WindowDays: cfg.WindowDays,
		Normalize: normalize.Options{
			ClassCollections: normalize.ClassSet(classIDs),
			Location:         loc,
		},
	})
	cache := synccache.New(load, synccache.Options{
		FreshFor:    cfg.Sync.FreshFor(),
		RefreshSpec: cfg.Sync.Refresh,
		MaxRetries:  cfg.Sync.MaxRetries,
		BaseDelay:   cfg.Sync.BaseDelay(),
		MaxDelay:    cfg.Sync.MaxDelay(),
		Metrics:     m,
	})

	coord := coordinator.New(coordinator.Config{
		Store:       store,
		Tokens:      token.NewClient(cfg.Token.Endpoint, nil),
		Cache:       cache,
		Tasks:       tasks,
		RedirectURI: cfg.Token.RedirectURI,
		Metrics:     m,
	})

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", loc.String(),
		"window_days", cfg.WindowDays,
		"calendars", len(collections),
		"ics_count", len(cfg.ICS),
		"credentials", cfg.Credentials.Backend,
		"refresh", cfg.Sync.Refresh,
		"fresh_for", cfg.Sync.FreshFor().String(),
		"retries", cfg.Sync.Retries(),
		"token_endpoint", cfg.Token.Endpoint != "",
	)

	return &app{cfg: cfg, reg: reg, cache: cache, coord: coord}, nil
}

func (a *app) close() {
	a.cache.Stop()
}
