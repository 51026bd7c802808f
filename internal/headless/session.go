// Package headless implements browser sessions on top of chromedp and a
// locally launched Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
)

// ErrUnknownTab is returned when a tab operation names a target that is not
// an open page.
var ErrUnknownTab = errors.New("unknown tab")

var _ browser.Session = (*Session)(nil)

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	// first marks the tab chromedp attached to when the browser started.
	// Cancelling its context would stop the whole browser.
	first bool
}

// Session is one Chrome process driven over the DevTools protocol.
type Session struct {
	id      string
	created time.Time
	pid     int
	logger  *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	tabs     map[target.ID]*tab
	active   target.ID
	pageLoad time.Duration
	script   time.Duration

	closeOnce sync.Once
	closeErr  error
}

// ID implements browser.Session.
func (s *Session) ID() string { return s.id }

// CreatedAt implements browser.Session.
func (s *Session) CreatedAt() time.Time { return s.created }

// PID implements browser.Session.
func (s *Session) PID() int { return s.pid }

// Alive reads document.readyState from the active tab.
func (s *Session) Alive(ctx context.Context) error {
	var state string
	if err := s.runActive(ctx, 0, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return fmt.Errorf("read ready state: %w", err)
	}
	if state == "" {
		return errors.New("empty ready state")
	}
	return nil
}

// Reset clears cookies and the HTTP cache, closes stray tabs and parks the
// remaining tab on about:blank.
func (s *Session) Reset(ctx context.Context) error {
	ids, err := s.TabIDs(ctx)
	if err != nil {
		return err
	}
	active := s.ActiveTab()
	for _, id := range ids {
		if id == active {
			continue
		}
		if err := s.CloseTab(ctx, id); err != nil {
			s.logger.Debug("closing stray tab during reset", zap.String("tab", id), zap.Error(err))
		}
	}
	err = s.runActive(ctx, 0,
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

// Close asks Chrome to exit and waits for it until ctx expires. It is safe to
// call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			done <- chromedp.Cancel(s.browserCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.closeErr = fmt.Errorf("close browser: %w", err)
			}
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("close browser: %w", ctx.Err())
		}
		s.browserCancel()
		s.allocCancel()

		s.mu.Lock()
		for id, t := range s.tabs {
			if !t.first {
				t.cancel()
			}
			delete(s.tabs, id)
		}
		s.mu.Unlock()
	})
	return s.closeErr
}

// Navigate implements browser.Page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.runActive(ctx, s.pageLoadTimeout(), chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Content returns the rendered DOM of the active tab.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.runActive(ctx, s.scriptTimeout(), chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// CurrentURL implements browser.Page.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.runActive(ctx, s.scriptTimeout(), chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// Evaluate implements browser.Page.
func (s *Session) Evaluate(ctx context.Context, script string, res any) error {
	if err := s.runActive(ctx, s.scriptTimeout(), chromedp.Evaluate(script, res)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// ActiveTab implements browser.Tabs.
func (s *Session) ActiveTab() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.active)
}

// TabIDs lists every page target in the browser, including pop-ups the page
// opened on its own.
func (s *Session) TabIDs(ctx context.Context) ([]string, error) {
	infos, err := s.targets(ctx)
	if err != nil {
		return nil, err
	}
	return pageTabIDs(infos), nil
}

// OpenTab implements browser.Tabs.
func (s *Session) OpenTab(ctx context.Context) error {
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err != nil {
		cancel()
		return fmt.Errorf("open tab: %w", err)
	}
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return errors.New("open tab: no target attached")
	}
	s.mu.Lock()
	s.tabs[c.Target.TargetID] = &tab{ctx: tabCtx, cancel: cancel}
	s.mu.Unlock()
	return nil
}

// SwitchTab makes id the target of page operations.
func (s *Session) SwitchTab(ctx context.Context, id string) error {
	t, err := s.tabFor(ctx, target.ID(id))
	if err != nil {
		return err
	}
	if err := chromedp.Run(t.ctx, page.BringToFront()); err != nil {
		return fmt.Errorf("switch tab %s: %w", id, err)
	}
	s.mu.Lock()
	s.active = target.ID(id)
	s.mu.Unlock()
	return nil
}

// CloseTab implements browser.Tabs.
func (s *Session) CloseTab(ctx context.Context, id string) error {
	t, err := s.tabFor(ctx, target.ID(id))
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(t.ctx, s.scriptTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	closeErr := chromedp.Run(runCtx, page.Close())

	s.mu.Lock()
	delete(s.tabs, target.ID(id))
	s.mu.Unlock()
	if !t.first {
		t.cancel()
	}
	if closeErr != nil {
		return fmt.Errorf("close tab %s: %w", id, closeErr)
	}
	return nil
}

// SetTimeouts implements browser.Tabs.
func (s *Session) SetTimeouts(pageLoad, script time.Duration) func() {
	s.mu.Lock()
	prevLoad, prevScript := s.pageLoad, s.script
	if pageLoad > 0 {
		s.pageLoad = pageLoad
	}
	if script > 0 {
		s.script = script
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.pageLoad, s.script = prevLoad, prevScript
		s.mu.Unlock()
	}
}

// runActive runs actions in the active tab. A zero timeout only bounds the
// call by ctx.
func (s *Session) runActive(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	t, ok := s.tabs[s.active]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: active tab %s", ErrUnknownTab, s.ActiveTab())
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(t.ctx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// tabFor returns the tracked tab for id, attaching to targets opened outside
// this session such as window.open pop-ups.
func (s *Session) tabFor(ctx context.Context, id target.ID) (*tab, error) {
	s.mu.Lock()
	t, ok := s.tabs[id]
	s.mu.Unlock()
	if ok {
		return t, nil
	}

	infos, err := s.targets(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, tid := range pageTabIDs(infos) {
		if tid == string(id) {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}

	tabCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(id))
	t = &tab{ctx: tabCtx, cancel: cancel}
	s.mu.Lock()
	s.tabs[id] = t
	s.mu.Unlock()
	return t, nil
}

func (s *Session) targets(ctx context.Context) ([]*target.Info, error) {
	runCtx, cancel := context.WithTimeout(s.browserCtx, s.scriptTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return infos, nil
}

func (s *Session) pageLoadTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageLoad
}

func (s *Session) scriptTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script
}

func pageTabIDs(infos []*target.Info) []string {
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		ids = append(ids, string(info.TargetID))
	}
	return ids
}
