// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("browsertest: session closed")

var _ browser.Session = (*Session)(nil)

// Session is a scriptable fake browser. Pages maps a URL to the HTML served
// for it and Redirects maps a URL to the location the browser ends up on.
// Hooks, when set, replace the default behaviour of the matching method.
type Session struct {
	mu sync.Mutex

	id      string
	created time.Time
	pid     int

	pages     map[string]string
	redirects map[string]string

	tabs    []string
	active  string
	nextTab int
	urls    map[string]string

	aliveErr error
	resetErr error
	closed   bool
	resets   int

	pageLoad time.Duration
	script   time.Duration

	// NavigateHook runs before the default navigation; a non-nil error
	// aborts it.
	NavigateHook func(ctx context.Context, url string) error
	// ContentHook replaces Content when set.
	ContentHook func(ctx context.Context, url string) (string, error)
	// EvaluateHook replaces Evaluate when set. Its result is JSON encoded and
	// decoded into the caller's res.
	EvaluateHook func(ctx context.Context, script string) (any, error)
	// CloseHook runs inside Close; returning an error or blocking past ctx
	// simulates a browser that will not exit.
	CloseHook func(ctx context.Context) error
	// OpenTabHook replaces the default OpenTab when set.
	OpenTabHook func(ctx context.Context) error
	// ResetHook runs before the default reset; a non-nil error fails it.
	ResetHook func(ctx context.Context) error

	onClose func()
}

// NewSession returns an open session with a single blank tab.
func NewSession(id string) *Session {
	s := &Session{
		id:        id,
		created:   time.Now(),
		pages:     make(map[string]string),
		redirects: make(map[string]string),
		urls:      make(map[string]string),
	}
	first := s.newTabLocked()
	s.active = first
	return s
}

// ID implements browser.Session.
func (s *Session) ID() string { return s.id }

// CreatedAt implements browser.Session.
func (s *Session) CreatedAt() time.Time { return s.created }

// PID implements browser.Session.
func (s *Session) PID() int { return s.pid }

// SetPID sets the value reported by PID.
func (s *Session) SetPID(pid int) { s.pid = pid }

// SetPage serves html for url.
func (s *Session) SetPage(url, html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = html
}

// SetRedirect makes navigation to from land on to.
func (s *Session) SetRedirect(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[from] = to
}

// Kill makes every subsequent liveness probe fail with err.
func (s *Session) Kill(err error) {
	if err == nil {
		err = errors.New("browsertest: session killed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliveErr = err
}

// FailReset makes Reset return err.
func (s *Session) FailReset(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetErr = err
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Resets reports how many times Reset succeeded.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Timeouts reports the currently applied page-load and script timeouts.
func (s *Session) Timeouts() (pageLoad, script time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageLoad, s.script
}

// Alive implements browser.Session.
func (s *Session) Alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.aliveErr
}

// Reset implements browser.Session.
func (s *Session) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ResetHook != nil {
		if err := s.ResetHook(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.resetErr != nil {
		return s.resetErr
	}
	s.resets++
	return nil
}

// Close implements browser.Session.
func (s *Session) Close(ctx context.Context) error {
	var err error
	if s.CloseHook != nil {
		err = s.CloseHook(ctx)
	}
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already && s.onClose != nil {
		s.onClose()
	}
	return err
}

// Navigate implements browser.Page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.NavigateHook != nil {
		if err := s.NavigateHook(ctx, url); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.urls[s.active]; !ok {
		return fmt.Errorf("browsertest: no such tab %q", s.active)
	}
	final := url
	if to, ok := s.redirects[url]; ok {
		final = to
	}
	s.urls[s.active] = final
	return nil
}

// Content implements browser.Page.
func (s *Session) Content(ctx context.Context) (string, error) {
	url, err := s.CurrentURL(ctx)
	if err != nil {
		return "", err
	}
	if s.ContentHook != nil {
		return s.ContentHook(ctx, url)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[url], nil
}

// CurrentURL implements browser.Page.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	url, ok := s.urls[s.active]
	if !ok {
		return "", fmt.Errorf("browsertest: no such tab %q", s.active)
	}
	return url, nil
}

// Evaluate implements browser.Page.
func (s *Session) Evaluate(ctx context.Context, script string, res any) error {
	if s.EvaluateHook == nil {
		return nil
	}
	out, err := s.EvaluateHook(ctx, script)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("browsertest: encode result: %w", err)
	}
	return json.Unmarshal(raw, res)
}

// ActiveTab implements browser.Tabs.
func (s *Session) ActiveTab() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// TabIDs implements browser.Tabs.
func (s *Session) TabIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), s.tabs...), nil
}

// OpenTab implements browser.Tabs.
func (s *Session) OpenTab(ctx context.Context) error {
	if s.OpenTabHook != nil {
		return s.OpenTabHook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.newTabLocked()
	return nil
}

// SwitchTab implements browser.Tabs.
func (s *Session) SwitchTab(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[id]; !ok {
		return fmt.Errorf("browsertest: no such tab %q", id)
	}
	s.active = id
	return nil
}

// CloseTab implements browser.Tabs.
func (s *Session) CloseTab(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[id]; !ok {
		return fmt.Errorf("browsertest: no such tab %q", id)
	}
	delete(s.urls, id)
	for i, t := range s.tabs {
		if t == id {
			s.tabs = append(s.tabs[:i], s.tabs[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveTab drops a tab as if the page closed itself.
func (s *Session) RemoveTab(id string) {
	_ = s.CloseTab(context.Background(), id)
}

// SetTimeouts implements browser.Tabs.
func (s *Session) SetTimeouts(pageLoad, script time.Duration) func() {
	s.mu.Lock()
	prevLoad, prevScript := s.pageLoad, s.script
	s.pageLoad, s.script = pageLoad, script
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.pageLoad, s.script = prevLoad, prevScript
		s.mu.Unlock()
	}
}

func (s *Session) newTabLocked() string {
	s.nextTab++
	id := fmt.Sprintf("%s-tab-%d", s.id, s.nextTab)
	s.tabs = append(s.tabs, id)
	s.urls[id] = "about:blank"
	return id
}

// Factory hands out fake sessions and tracks how many are live at once.
type Factory struct {
	mu       sync.Mutex
	sessions []*Session
	// Setup, when set, configures every session before it is handed out.
	Setup func(s *Session)
	// Err, when set, fails session creation.
	Err error
	// Delay simulates browser start-up time.
	Delay time.Duration

	live    atomic.Int64
	maxLive atomic.Int64
}

var _ browser.Factory = (*Factory)(nil)

// NewSession implements browser.Factory.
func (f *Factory) NewSession(ctx context.Context) (browser.Session, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.Err != nil {
		err := f.Err
		f.mu.Unlock()
		return nil, err
	}
	s := NewSession(fmt.Sprintf("session-%d", len(f.sessions)+1))
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()

	live := f.live.Add(1)
	for {
		peak := f.maxLive.Load()
		if live <= peak || f.maxLive.CompareAndSwap(peak, live) {
			break
		}
	}
	s.onClose = func() { f.live.Add(-1) }
	if f.Setup != nil {
		f.Setup(s)
	}
	return s, nil
}

// Sessions returns every session created so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Created reports how many sessions were created.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Live reports sessions created and not yet closed.
func (f *Factory) Live() int { return int(f.live.Load()) }

// MaxLive reports the highest number of simultaneously live sessions.
func (f *Factory) MaxLive() int { return int(f.maxLive.Load()) }
