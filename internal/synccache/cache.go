// Package synccache owns the fetch cycle. It keeps the last good result
// per credential, decides when data is stale, de-duplicates concurrent
// refreshes, retries transient failures and hands auth failures to the
// session owner.
package synccache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"dayboard/internal/apperr"
	appLog "dayboard/internal/log"
	"dayboard/internal/metrics"
	"dayboard/internal/model"
)

const (
	defaultFreshFor   = 5 * time.Minute
	defaultRefresh    = "@every 1m"
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultEntries    = 4
)

var (
	// ErrNoCredential is returned by Refresh while logged out.
	ErrNoCredential = errors.New("synccache: no credential")
	// ErrDiscarded is returned when the credential changed while the
	// fetch was running; its result was dropped.
	ErrDiscarded = errors.New("synccache: result discarded, credential changed")
)

type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateFresh    State = "fresh"
	StateStale    State = "stale"
	StateError    State = "error"
)

// Snapshot is the externally visible cache state for the current
// credential.
type Snapshot struct {
	// Result is the last good result; it survives later errors.
	Result   *model.SyncResult
	State    State
	Fetching bool
	// Err is the last failure. A *PartialError here comes with a
	// fresh Result and does not make the state StateError.
	Err       error
	UpdatedAt time.Time
}

// Options tunes the cache. Zero values take the defaults.
type Options struct {
	FreshFor    time.Duration
	RefreshSpec string
	// MaxRetries is the number of retries after the first attempt. Use a
	// negative value to disable retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Entries    int

	Metrics *metrics.Sync
	Now     func() time.Time
}

type entry struct {
	result    *model.SyncResult
	updatedAt time.Time
	err       error
	partial   *PartialError
	fetching  bool
	stale     bool
}

type Cache struct {
	load Loader
	opts Options

	group singleflight.Group
	cron  *cron.Cron

	mu          sync.Mutex
	token       string
	key         string
	generation  uint64
	foreground  bool
	entries     *lru.Cache[string, *entry]
	staleTimer  *time.Timer
	subscribers map[int]func(Snapshot)
	nextSub     int
	onAuth      func(generation uint64, err error)
	runCtx      context.Context
	cancel      context.CancelFunc
}

func New(load Loader, opts Options) *Cache {
	if opts.FreshFor <= 0 {
		opts.FreshFor = defaultFreshFor
	}
	if opts.RefreshSpec == "" {
		opts.RefreshSpec = defaultRefresh
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Entries <= 0 {
		opts.Entries = defaultEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entries, _ := lru.New[string, *entry](opts.Entries)
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		load:        load,
		opts:        opts,
		entries:     entries,
		foreground:  true,
		subscribers: make(map[int]func(Snapshot)),
		runCtx:      ctx,
		cancel:      cancel,
	}
}

// Start runs the periodic refresh. The schedule only fires a fetch while
// in the foreground. Background fetches, including ones already running,
// are cancelled once ctx is done.
func (c *Cache) Start(ctx context.Context) error {
	cr := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := cr.AddFunc(c.opts.RefreshSpec, c.tick); err != nil {
		return fmt.Errorf("synccache: refresh schedule %q: %w", c.opts.RefreshSpec, err)
	}
	cr.Start()
	c.cron = cr
	context.AfterFunc(ctx, c.cancel)
	appLog.Info("synccache: started", "schedule", c.opts.RefreshSpec, "fresh_for", c.opts.FreshFor.String())
	return nil
}

func (c *Cache) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.mu.Lock()
	c.cancel()
	c.stopTimerLocked()
	c.mu.Unlock()
}

func (c *Cache) tick() {
	c.mu.Lock()
	run := c.foreground && c.token != ""
	c.mu.Unlock()
	if run {
		c.refreshAsync("interval")
	}
}

// OnAuthFailure installs the handler called, outside any lock and before
// Refresh returns, when a fetch for generation fails with an auth error.
func (c *Cache) OnAuthFailure(fn func(generation uint64, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuth = fn
}

// Subscribe registers fn for every state change. The returned function
// removes it.
func (c *Cache) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() Snapshot {
	if c.token == "" {
		return Snapshot{State: StateIdle}
	}
	e, ok := c.entries.Peek(c.key)
	if !ok {
		return Snapshot{State: StateIdle}
	}
	s := Snapshot{
		Result:    e.result,
		Fetching:  e.fetching,
		Err:       e.err,
		UpdatedAt: e.updatedAt,
	}
	if s.Err == nil && e.partial != nil {
		s.Err = e.partial
	}
	switch {
	case e.err != nil:
		s.State = StateError
	case e.result == nil && e.fetching:
		s.State = StateFetching
	case e.result == nil:
		s.State = StateIdle
	case e.stale || c.opts.Now().Sub(e.updatedAt) >= c.opts.FreshFor:
		s.State = StateStale
	default:
		s.State = StateFresh
	}
	return s
}

func (c *Cache) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func credentialKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// SetCredential switches the cache to token. Results of fetches started
// under another credential or generation are dropped when they land. A
// previously seen token shows its last result until the refetch is done;
// a new one starts from the previous credential's result, marked stale.
func (c *Cache) SetCredential(token string, generation uint64) {
	c.mu.Lock()
	prev, hadPrev := c.entries.Peek(c.key)
	c.token = token
	c.key = credentialKey(token)
	c.generation = generation
	c.stopTimerLocked()
	if _, ok := c.entries.Get(c.key); !ok {
		e := &entry{}
		if hadPrev && prev.result != nil {
			e.result, e.updatedAt, e.stale = prev.result, prev.updatedAt, true
		}
		c.entries.Add(c.key, e)
	}
	c.mu.Unlock()
	appLog.Debug("synccache: credential set", "token", appLog.RedactToken(token), "generation", generation)
	c.notify()
}

// Reset forgets the credential and every cached result. Only the session
// owner calls it, on logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.token = ""
	c.key = ""
	c.stopTimerLocked()
	c.entries.Purge()
	c.mu.Unlock()
	appLog.Info("synccache: reset")
	c.notify()
}

// Invalidate marks the current result stale and refetches in the
// background.
func (c *Cache) Invalidate() {
	c.MarkStale()
	c.refreshAsync("invalidate")
}

// MarkStale marks the current result stale without fetching. Callers that
// refetch themselves use it instead of Invalidate.
func (c *Cache) MarkStale() {
	c.mu.Lock()
	if e, ok := c.entries.Peek(c.key); ok && c.token != "" {
		e.stale = true
	}
	c.mu.Unlock()
	c.notify()
}

// SetForeground records consumer visibility. Coming back to the
// foreground with stale or missing data triggers a refetch.
func (c *Cache) SetForeground(fg bool) {
	c.mu.Lock()
	was := c.foreground
	c.foreground = fg
	need := fg && !was && c.token != "" && c.needsFetchLocked()
	c.mu.Unlock()
	if need {
		c.refreshAsync("foreground")
	}
}

// NetworkReconnected refetches unconditionally while logged in.
func (c *Cache) NetworkReconnected() {
	c.mu.Lock()
	logged := c.token != ""
	c.mu.Unlock()
	if logged {
		c.refreshAsync("reconnect")
	}
}

func (c *Cache) needsFetchLocked() bool {
	e, ok := c.entries.Peek(c.key)
	if !ok || e.result == nil || e.stale || e.err != nil {
		return true
	}
	return c.opts.Now().Sub(e.updatedAt) >= c.opts.FreshFor
}

func (c *Cache) refreshAsync(reason string) {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	go func() {
		_ = c.Refresh(ctx, reason)
	}()
}

// Refresh fetches for the current credential, joining a fetch already in
// flight for it. ctx only bounds the wait; a shared fetch runs to
// completion for the other callers.
func (c *Cache) Refresh(ctx context.Context, reason string) error {
	c.mu.Lock()
	token, key, gen := c.token, c.key, c.generation
	runCtx := c.runCtx
	c.mu.Unlock()
	if token == "" {
		return ErrNoCredential
	}

	ran := false
	ch := c.group.DoChan(fmt.Sprintf("%s/%d", key, gen), func() (any, error) {
		ran = true
		return nil, c.cycle(runCtx, token, key, gen, reason)
	})

	select {
	case res := <-ch:
		if !ran {
			c.opts.Metrics.RecordDedupHit()
			appLog.Debug("synccache: joined in-flight fetch", "reason", reason)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) cycle(ctx context.Context, token, key string, gen uint64, reason string) error {
	cycleID := uuid.NewString()
	began := time.Now()

	c.mu.Lock()
	e, ok := c.entries.Peek(key)
	if !ok || c.generation != gen || c.key != key {
		c.mu.Unlock()
		return ErrDiscarded
	}
	e.fetching = true
	c.mu.Unlock()
	c.notify()

	appLog.Info("synccache: fetch start", "cycle", cycleID, "reason", reason, "token", appLog.RedactToken(token))
	result, err := c.loadWithRetry(ctx, cycleID, token)
	var partial *PartialError
	if errors.As(err, &partial) {
		err = nil
	}

	c.mu.Lock()
	if c.generation != gen || c.key != key {
		if e, ok := c.entries.Peek(key); ok {
			e.fetching = false
		}
		c.mu.Unlock()
		c.opts.Metrics.ObserveFetch("discarded", time.Since(began))
		c.opts.Metrics.RecordDiscarded()
		appLog.Info("synccache: result discarded", "cycle", cycleID, "generation", gen)
		c.notify()
		return ErrDiscarded
	}
	e.fetching = false
	if err == nil {
		e.result = &result
		e.updatedAt = c.opts.Now()
		e.err = nil
		e.partial = partial
		e.stale = false
		c.armTimerLocked(key, gen)
	} else {
		e.err = err
	}
	c.mu.Unlock()

	switch {
	case partial != nil:
		c.opts.Metrics.ObserveFetch("partial", time.Since(began))
		appLog.Warn("synccache: fetch partial", "cycle", cycleID, "unavailable", partial.Side, "elapsed", time.Since(began).String())
	case err == nil:
		c.opts.Metrics.ObserveFetch("ok", time.Since(began))
		appLog.Info("synccache: fetch ok", "cycle", cycleID, "days", len(result.Days), "undated", len(result.UndatedTasks), "elapsed", time.Since(began).String())
	case apperr.IsAuth(err):
		c.opts.Metrics.ObserveFetch("auth_error", time.Since(began))
		appLog.Warn("synccache: auth failure", "cycle", cycleID, "status", apperr.StatusOf(err))
	default:
		c.opts.Metrics.ObserveFetch("error", time.Since(began))
		appLog.Error("synccache: fetch failed, keeping last good result", err, "cycle", cycleID)
	}
	c.notify()

	if err != nil && apperr.IsAuth(err) {
		c.mu.Lock()
		onAuth := c.onAuth
		c.mu.Unlock()
		if onAuth != nil {
			onAuth(gen, err)
		}
	}
	return err
}

// loadWithRetry retries transient failures with capped exponential
// backoff. Auth and other permanent failures return at once. A
// *PartialError is returned with its result and is not retried.
func (c *Cache) loadWithRetry(ctx context.Context, cycleID, token string) (model.SyncResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.opts.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)

	var (
		result  model.SyncResult
		partial *PartialError
	)
	op := func() error {
		partial = nil
		r, err := c.load(ctx, token)
		if errors.As(err, &partial) {
			result = r
			return nil
		}
		if err != nil {
			if !apperr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.opts.Metrics.RecordRetry()
		appLog.Warn("synccache: retrying", "cycle", cycleID, "wait", wait.String(), "err", err.Error())
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return model.SyncResult{}, err
	}
	if partial != nil {
		return result, partial
	}
	return result, nil
}

func (c *Cache) armTimerLocked(key string, gen uint64) {
	c.stopTimerLocked()
	c.staleTimer = time.AfterFunc(c.opts.FreshFor, func() { c.onStale(key, gen) })
}

func (c *Cache) stopTimerLocked() {
	if c.staleTimer != nil {
		c.staleTimer.Stop()
		c.staleTimer = nil
	}
}

func (c *Cache) onStale(key string, gen uint64) {
	c.mu.Lock()
	if c.key != key || c.generation != gen {
		c.mu.Unlock()
		return
	}
	if e, ok := c.entries.Peek(key); ok {
		e.stale = true
	}
	fg := c.foreground
	c.mu.Unlock()

	appLog.Debug("synccache: data went stale", "foreground", fg)
	c.notify()
	if fg {
		c.refreshAsync("stale")
	}
}
