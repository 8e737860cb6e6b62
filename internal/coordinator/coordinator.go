// Package coordinator owns the session lifecycle and task mutations. It is
// the only writer of the credential store and the only caller of the
// token service; the sync cache reports auth failures back to it.
package coordinator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"dayboard/internal/apperr"
	"dayboard/internal/credstore"
	appLog "dayboard/internal/log"
	"dayboard/internal/metrics"
	"dayboard/internal/model"
	"dayboard/internal/synccache"
	"dayboard/internal/token"
)

// ErrNotAuthenticated is returned by operations that need a session.
var ErrNotAuthenticated = errors.New("coordinator: not signed in")

// TaskMutator resolves and completes tasks remotely.
type TaskMutator interface {
	FindOwningListID(ctx context.Context, accessToken, taskID string) (string, bool, error)
	CompleteTask(ctx context.Context, accessToken, listID, taskID string) error
}

type Config struct {
	Store       credstore.Store
	Tokens      token.Service
	Cache       *synccache.Cache
	Tasks       TaskMutator
	RedirectURI string
	Metrics     *metrics.Sync
	Now         func() time.Time
}

// View is what consumers render: the current result with tasks that are
// being completed filtered out.
type View struct {
	Result        *model.SyncResult `json:"result"`
	State         synccache.State   `json:"state"`
	Fetching      bool              `json:"fetching"`
	Authenticated bool              `json:"authenticated"`
	LastError     string            `json:"lastError,omitempty"`
	Pending       []string          `json:"pending"`
	UpdatedAt     time.Time         `json:"updatedAt"`

	err error
}

// Err is the error behind LastError.
func (v View) Err() error { return v.err }

type Coordinator struct {
	cfg Config

	mu          sync.Mutex
	session     *model.Session
	generation  uint64
	refreshUsed bool
	removing    map[string]bool
	pending     []string
	// completed tasks stay hidden until a fetch succeeds after completion.
	completed   map[string]bool
	lastErr     error
	subscribers map[int]func(View)
	nextSub     int
	runCtx      context.Context
}

func New(cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Coordinator{
		cfg:         cfg,
		removing:    make(map[string]bool),
		completed:   make(map[string]bool),
		subscribers: make(map[int]func(View)),
		runCtx:      context.Background(),
	}
	cfg.Cache.OnAuthFailure(c.handleAuthFailure)
	cfg.Cache.Subscribe(c.onCacheChange)
	return c
}

// Start restores the persisted session. A valid access token is used as
// is; an expired one is renewed first when a refresh token exists.
// Otherwise the coordinator stays logged out.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	saved, err := c.cfg.Store.Load()
	if err != nil {
		appLog.Error("coordinator: credential store unreadable", err)
		saved = nil
	}
	if saved == nil || !saved.Authenticated {
		appLog.Info("coordinator: no stored session")
		c.notify()
		return nil
	}

	now := c.cfg.Now()
	switch {
	case saved.Valid(now):
		appLog.Info("coordinator: resuming session", "expires", saved.AccessTokenExpiry.Format(time.RFC3339))
		c.apply(*saved)
	case saved.CanRefresh():
		appLog.Info("coordinator: access token expired, refreshing")
		grant, err := c.cfg.Tokens.RefreshAccessToken(ctx, saved.RefreshToken)
		if err != nil {
			c.setLastErr(err)
			c.Logout()
			return err
		}
		s := grant.Session(c.cfg.Now(), saved.RefreshToken)
		if err := c.cfg.Store.Save(s); err != nil {
			return err
		}
		c.cfg.Metrics.RecordSession("refresh")
		c.apply(s)
	default:
		appLog.Info("coordinator: stored token expired and no refresh token")
		c.notify()
		return nil
	}

	c.sync(ctx, "startup")
	return nil
}

// Login exchanges an authorization code, persists the session and runs
// the first sync. On failure the coordinator stays logged out.
func (c *Coordinator) Login(ctx context.Context, code string) error {
	grant, err := c.cfg.Tokens.ExchangeAuthorizationCode(ctx, code, c.cfg.RedirectURI)
	if err != nil {
		c.setLastErr(err)
		return err
	}
	s := grant.Session(c.cfg.Now(), "")
	if err := c.cfg.Store.Save(s); err != nil {
		c.setLastErr(err)
		return err
	}
	c.setLastErr(nil)
	c.cfg.Metrics.RecordSession("login")
	c.mu.Lock()
	c.refreshUsed = false
	c.mu.Unlock()
	c.apply(s)
	c.sync(ctx, "login")
	return nil
}

// Logout discards the session, the stored credentials and all cached
// data. Work started before it can no longer be applied.
func (c *Coordinator) Logout() {
	c.mu.Lock()
	c.generation++
	c.session = nil
	c.refreshUsed = false
	c.removing = make(map[string]bool)
	c.completed = make(map[string]bool)
	c.pending = nil
	c.mu.Unlock()

	if err := c.cfg.Store.Clear(); err != nil {
		appLog.Error("coordinator: clearing credentials failed", err)
	}
	c.cfg.Cache.Reset()
	c.cfg.Metrics.RecordSession("logout")
	appLog.Info("coordinator: logged out")
	c.notify()
}

// apply installs s under a new generation and points the cache at it.
func (c *Coordinator) apply(s model.Session) {
	c.mu.Lock()
	c.generation++
	s.Generation = c.generation
	s.Authenticated = true
	c.session = &s
	c.mu.Unlock()
	c.cfg.Cache.SetCredential(s.AccessToken, s.Generation)
}

func (c *Coordinator) sync(ctx context.Context, reason string) {
	if err := c.cfg.Cache.Refresh(ctx, reason); err != nil {
		appLog.Warn("coordinator: sync failed", "reason", reason, "err", err.Error())
	}
}

// handleAuthFailure allows one refresh-token exchange until a fetch
// succeeds again. A second failure, a missing refresh token or a rejected
// refresh all end the session.
func (c *Coordinator) handleAuthFailure(gen uint64, cause error) {
	c.mu.Lock()
	if c.session == nil || gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.refreshUsed || !c.session.CanRefresh() {
		c.mu.Unlock()
		appLog.Warn("coordinator: auth failure without a refresh left, logging out", "err", cause.Error())
		c.setLastErr(cause)
		c.Logout()
		return
	}
	c.refreshUsed = true
	refresh := c.session.RefreshToken
	ctx := c.runCtx
	c.mu.Unlock()

	appLog.Info("coordinator: auth failure, refreshing access token", "status", apperr.StatusOf(cause))
	grant, err := c.cfg.Tokens.RefreshAccessToken(ctx, refresh)

	c.mu.Lock()
	stale := gen != c.generation
	c.mu.Unlock()
	if stale {
		appLog.Info("coordinator: refresh outcome dropped, session changed meanwhile")
		return
	}
	if err != nil {
		c.setLastErr(err)
		c.Logout()
		return
	}

	s := grant.Session(c.cfg.Now(), refresh)
	if err := c.cfg.Store.Save(s); err != nil {
		appLog.Error("coordinator: saving refreshed session failed", err)
	}
	c.cfg.Metrics.RecordSession("refresh")
	c.apply(s)
	go c.sync(ctx, "token-refreshed")
}

// CompleteTask hides the task at once, completes it remotely and refetches.
// On failure the task shows again and the error is returned; the call is
// never retried. If the refetch fails the task stays hidden until a later
// fetch succeeds.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	if c.removing[taskID] {
		c.mu.Unlock()
		return nil
	}
	accessToken, gen := c.session.AccessToken, c.generation
	c.removing[taskID] = true
	c.pending = append(c.pending, taskID)
	c.mu.Unlock()
	c.notify()

	err := c.completeRemote(ctx, accessToken, taskID)
	c.cfg.Metrics.RecordCompletion(err == nil)
	if err != nil {
		appLog.Error("coordinator: task completion failed", err, "task", taskID)
		c.unmark(taskID)
		c.setLastErr(err)
		if apperr.IsAuth(err) {
			c.handleAuthFailure(gen, err)
		}
		return err
	}

	c.cfg.Cache.MarkStale()
	if err := c.cfg.Cache.Refresh(ctx, "task-completed"); err != nil {
		appLog.Warn("coordinator: refetch after completion failed, task stays hidden", "task", taskID, "err", err.Error())
		c.mu.Lock()
		if c.removing[taskID] {
			c.completed[taskID] = true
		}
		c.mu.Unlock()
		return nil
	}
	c.unmark(taskID)
	return nil
}

func (c *Coordinator) completeRemote(ctx context.Context, accessToken, taskID string) error {
	listID, found, err := c.cfg.Tasks.FindOwningListID(ctx, accessToken, taskID)
	if err != nil {
		return &apperr.TaskCompletionError{TaskID: taskID, Status: apperr.StatusOf(err), Err: err}
	}
	if !found {
		return &apperr.TaskCompletionError{TaskID: taskID, Status: http.StatusNotFound, Err: errors.New("task not found in any list")}
	}
	return c.cfg.Tasks.CompleteTask(ctx, accessToken, listID, taskID)
}

func (c *Coordinator) unmark(taskID string) {
	c.mu.Lock()
	delete(c.removing, taskID)
	delete(c.completed, taskID)
	for i, id := range c.pending {
		if id == taskID {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.notify()
}

// ManualRefresh forces a sync now.
func (c *Coordinator) ManualRefresh(ctx context.Context) error {
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}
	c.setLastErr(nil)
	return c.cfg.Cache.Refresh(ctx, "manual")
}

func (c *Coordinator) SetForeground(fg bool) { c.cfg.Cache.SetForeground(fg) }

// NetworkChanged forwards connectivity changes; only a reconnect matters.
func (c *Coordinator) NetworkChanged(online bool) {
	if online {
		c.cfg.Cache.NetworkReconnected()
	}
}

func (c *Coordinator) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Coordinator) View() View {
	snap := c.cfg.Cache.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		State:         snap.State,
		Fetching:      snap.Fetching,
		Authenticated: c.session != nil,
		Pending:       append([]string{}, c.pending...),
		UpdatedAt:     snap.UpdatedAt,
		err:           c.lastErr,
	}
	if v.err == nil {
		v.err = snap.Err
	}
	if v.err != nil {
		v.LastError = v.err.Error()
	}
	if snap.Result != nil {
		r := snap.Result.WithoutTasks(c.removing)
		v.Result = &r
	}
	return v
}

// Subscribe calls fn with a fresh View after every change.
func (c *Coordinator) Subscribe(fn func(View)) func() {
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

func (c *Coordinator) notify() {
	v := c.View()
	c.mu.Lock()
	subs := make([]func(View), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

func (c *Coordinator) onCacheChange(s synccache.Snapshot) {
	var settled []string
	if s.State == synccache.StateFresh {
		c.mu.Lock()
		c.refreshUsed = false
		for id := range c.completed {
			settled = append(settled, id)
		}
		c.mu.Unlock()
	}
	for _, id := range settled {
		c.unmark(id)
	}
	c.notify()
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	changed := c.lastErr != err
	c.lastErr = err
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}
