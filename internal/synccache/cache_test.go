package synccache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dayboard/internal/apperr"
	"dayboard/internal/metrics"
	"dayboard/internal/model"
)

// resultFor tags a result with the token that produced it.
func resultFor(token string) model.SyncResult {
	return model.SyncResult{
		WindowStart:  model.MustParseDate("2026-01-18"),
		UndatedTasks: []model.Task{{ID: token}},
	}
}

func tagOf(s Snapshot) string {
	if s.Result == nil || len(s.Result.UndatedTasks) == 0 {
		return ""
	}
	return s.Result.UndatedTasks[0].ID
}

func fastOptions() Options {
	return Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  4 * time.Millisecond,
		Metrics:   metrics.NewSync(prometheus.NewRegistry()),
	}
}

func TestRefreshWithoutCredential(t *testing.T) {
	c := New(func(context.Context, string) (model.SyncResult, error) {
		t.Fatal("loader must not run")
		return model.SyncResult{}, nil
	}, fastOptions())
	assert.ErrorIs(t, c.Refresh(context.Background(), "manual"), ErrNoCredential)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		<-release
		return resultFor(token), nil
	}, fastOptions())
	c.SetCredential("tok-a", 1)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Refresh(context.Background(), "test")
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Snapshot().Fetching }, time.Second, time.Millisecond)
	assert.Equal(t, StateFetching, c.Snapshot().State)
	// let the remaining callers reach the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls.Load())
	snap := c.Snapshot()
	assert.Equal(t, StateFresh, snap.State)
	assert.Equal(t, "tok-a", tagOf(snap))
	assert.False(t, snap.Fetching)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		if calls.Add(1) < 3 {
			return model.SyncResult{}, &apperr.ServerError{Status: http.StatusBadGateway, Retryable: true}
		}
		return resultFor(token), nil
	}, fastOptions())
	c.SetCredential("tok", 1)

	require.NoError(t, c.Refresh(context.Background(), "test"))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, StateFresh, c.Snapshot().State)
}

func TestRetriesExhaustedKeepLastGoodResult(t *testing.T) {
	var calls atomic.Int32
	failing := atomic.Bool{}
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		if failing.Load() {
			return model.SyncResult{}, &apperr.NetworkError{Op: "test", Err: errors.New("connection reset")}
		}
		return resultFor(token), nil
	}, fastOptions())
	c.SetCredential("tok", 1)
	require.NoError(t, c.Refresh(context.Background(), "first"))

	failing.Store(true)
	calls.Store(0)
	err := c.Refresh(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.EqualValues(t, 4, calls.Load(), "first attempt plus three retries")

	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "tok", tagOf(snap), "last good result kept")
	assert.Error(t, snap.Err)
}

func TestNonRetryableErrorsFailFast(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context, string) (model.SyncResult, error) {
		calls.Add(1)
		return model.SyncResult{}, &apperr.ServerError{Status: http.StatusBadRequest}
	}, fastOptions())
	c.SetCredential("tok", 1)
	require.Error(t, c.Refresh(context.Background(), "test"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestAuthFailureIsNotRetriedAndEscalates(t *testing.T) {
	var calls atomic.Int32
	var gotGen atomic.Uint64
	c := New(func(context.Context, string) (model.SyncResult, error) {
		calls.Add(1)
		return model.SyncResult{}, &apperr.AuthError{Status: http.StatusUnauthorized}
	}, fastOptions())
	c.OnAuthFailure(func(gen uint64, err error) {
		assert.True(t, apperr.IsAuth(err))
		gotGen.Store(gen)
	})
	c.SetCredential("tok", 7)

	err := c.Refresh(context.Background(), "test")
	assert.True(t, apperr.IsAuth(err))
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 7, gotGen.Load())
}

func TestResultForOldCredentialIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return resultFor(token), nil
	}, fastOptions())
	c.SetCredential("old", 1)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background(), "test") }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	c.SetCredential("new", 2)
	close(release)
	assert.ErrorIs(t, <-done, ErrDiscarded)
	assert.Nil(t, c.Snapshot().Result, "late result not applied to the new credential")

	require.NoError(t, c.Refresh(context.Background(), "after switch"))
	assert.Equal(t, "new", tagOf(c.Snapshot()))
}

func TestResetDropsEverything(t *testing.T) {
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		return resultFor(token), nil
	}, fastOptions())
	c.SetCredential("tok", 1)
	require.NoError(t, c.Refresh(context.Background(), "test"))

	c.Reset()
	snap := c.Snapshot()
	assert.Nil(t, snap.Result)
	assert.Equal(t, StateIdle, snap.State)

	c.SetCredential("tok", 2)
	assert.Nil(t, c.Snapshot().Result, "no entry survives a reset")
}

func TestSwitchingBackShowsPreviousResult(t *testing.T) {
	block := atomic.Bool{}
	release := make(chan struct{})
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		if block.Load() {
			<-release
		}
		return resultFor(token), nil
	}, fastOptions())
	ctx := context.Background()

	c.SetCredential("a", 1)
	require.NoError(t, c.Refresh(ctx, "test"))
	c.SetCredential("b", 2)
	snap := c.Snapshot()
	assert.Equal(t, "a", tagOf(snap), "a new credential starts from the previous result")
	assert.Equal(t, StateStale, snap.State)
	require.NoError(t, c.Refresh(ctx, "test"))
	assert.Equal(t, "b", tagOf(c.Snapshot()))

	c.SetCredential("a", 3)
	assert.Equal(t, "a", tagOf(c.Snapshot()))

	block.Store(true)
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx, "test") }()
	require.Eventually(t, func() bool { return c.Snapshot().Fetching }, time.Second, time.Millisecond)
	assert.Equal(t, "a", tagOf(c.Snapshot()), "old data shown while refetching")
	close(release)
	require.NoError(t, <-done)
}

func TestStaleDataRefetchesInForeground(t *testing.T) {
	var calls atomic.Int32
	opts := fastOptions()
	opts.FreshFor = 30 * time.Millisecond
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		return resultFor(token), nil
	}, opts)
	defer c.Stop()

	c.SetForeground(false)
	c.SetCredential("tok", 1)
	require.NoError(t, c.Refresh(context.Background(), "test"))

	require.Eventually(t, func() bool { return c.Snapshot().State == StateStale }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "background: stale but not refetched")

	c.SetForeground(true)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	// and once fresh data goes stale again, the foreground timer refetches on its own
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestInvalidateAndReconnectRefetch(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		return resultFor(token), nil
	}, fastOptions())
	defer c.Stop()

	c.NetworkReconnected()
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, calls.Load(), "nothing to do while logged out")

	c.SetCredential("tok", 1)
	require.NoError(t, c.Refresh(context.Background(), "test"))

	c.Invalidate()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	c.NetworkReconnected()
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Snapshot().State == StateFresh }, time.Second, time.Millisecond)
}

func TestSubscribersSeeChanges(t *testing.T) {
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		return resultFor(token), nil
	}, fastOptions())

	var mu sync.Mutex
	var states []State
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})
	c.SetCredential("tok", 1)
	require.NoError(t, c.Refresh(context.Background(), "test"))
	unsubscribe()
	c.Reset()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateIdle, StateFetching, StateFresh}, states)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	opts := fastOptions()
	opts.RefreshSpec = "every now and then"
	c := New(func(context.Context, string) (model.SyncResult, error) { return model.SyncResult{}, nil }, opts)
	assert.Error(t, c.Start(context.Background()))

	opts.RefreshSpec = "@every 1h"
	c = New(func(context.Context, string) (model.SyncResult, error) { return model.SyncResult{}, nil }, opts)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
}

func TestPartialResultIsShownWithoutRetryOrEscalation(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		return resultFor(token), &PartialError{Side: "tasks", Err: &apperr.AuthError{Status: http.StatusForbidden}}
	}, fastOptions())
	var escalated atomic.Bool
	c.OnAuthFailure(func(uint64, error) { escalated.Store(true) })
	c.SetCredential("tok", 1)

	require.NoError(t, c.Refresh(context.Background(), "test"))
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, escalated.Load())

	snap := c.Snapshot()
	assert.Equal(t, StateFresh, snap.State)
	assert.Equal(t, "tok", tagOf(snap))
	var partial *PartialError
	require.ErrorAs(t, snap.Err, &partial)
	assert.Equal(t, "tasks", partial.Side)
}

func TestFullSuccessClearsPartialError(t *testing.T) {
	var degraded atomic.Bool
	degraded.Store(true)
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		if degraded.Load() {
			return resultFor(token), &PartialError{Side: "calendar", Err: errors.New("boom")}
		}
		return resultFor(token), nil
	}, fastOptions())
	c.SetCredential("tok", 1)

	require.NoError(t, c.Refresh(context.Background(), "test"))
	require.Error(t, c.Snapshot().Err)

	degraded.Store(false)
	c.MarkStale()
	require.NoError(t, c.Refresh(context.Background(), "test"))
	assert.NoError(t, c.Snapshot().Err)
}

func TestMarkStaleDoesNotFetch(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		return resultFor(token), nil
	}, fastOptions())
	c.SetCredential("tok", 1)
	require.NoError(t, c.Refresh(context.Background(), "test"))

	c.MarkStale()
	assert.Equal(t, StateStale, c.Snapshot().State)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPeriodicRefreshOnlyInForeground(t *testing.T) {
	var calls atomic.Int32
	opts := fastOptions()
	opts.RefreshSpec = "@every 1s"
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		return resultFor(token), nil
	}, opts)
	c.SetCredential("tok", 1)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 4*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateFresh, c.Snapshot().State)

	c.SetForeground(false)
	// a tick that fired just before the switch may still land
	time.Sleep(100 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "no scheduled fetch in the background")
}

func TestStartKeepsRunningBackgroundFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	opts := fastOptions()
	opts.RefreshSpec = "@every 1h"
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		calls.Add(1)
		select {
		case <-release:
			return resultFor(token), nil
		case <-ctx.Done():
			return model.SyncResult{}, ctx.Err()
		}
	}, opts)
	t.Cleanup(c.Stop)
	c.SetCredential("tok", 1)

	c.Invalidate()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	close(release)

	require.Eventually(t, func() bool { return c.Snapshot().State == StateFresh }, time.Second, time.Millisecond)
	assert.NoError(t, c.Snapshot().Err)
}

func TestStartContextCancelsBackgroundFetch(t *testing.T) {
	opts := fastOptions()
	opts.RefreshSpec = "@every 1h"
	opts.MaxRetries = -1
	started := make(chan struct{})
	c := New(func(ctx context.Context, token string) (model.SyncResult, error) {
		close(started)
		<-ctx.Done()
		return model.SyncResult{}, ctx.Err()
	}, opts)
	t.Cleanup(c.Stop)
	c.SetCredential("tok", 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	c.Invalidate()
	<-started
	cancel()

	require.Eventually(t, func() bool { return c.Snapshot().State == StateError }, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.Snapshot().Err, context.Canceled)
}
