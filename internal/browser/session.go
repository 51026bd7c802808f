// Package browser defines the automation session contract and the bounded
// session pool shared by every crawl stage.
package browser

import (
	"context"
	"time"
)

// Session is one live headless-browser instance. A session has no internal
// concurrency; it belongs to whichever caller borrowed it from the Pool until
// that caller returns it.
type Session interface {
	// ID is a stable identifier used for logging.
	ID() string
	// CreatedAt reports when the session was launched.
	CreatedAt() time.Time
	// PID returns the OS process id of the browser, or 0 when unknown.
	PID() int

	// Alive runs a cheap liveness probe. The result is never cached.
	Alive(ctx context.Context) error
	// Reset clears transient per-session state such as cookies and cache.
	Reset(ctx context.Context) error
	// Close shuts the browser down gracefully, honouring ctx's deadline.
	Close(ctx context.Context) error

	Page
	Tabs
}

// Page holds the operations that act on the active tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	// Evaluate runs script in the active tab and decodes the result into res.
	Evaluate(ctx context.Context, script string, res any) error
}

// Tabs holds the tab bookkeeping operations used for isolated work.
type Tabs interface {
	// ActiveTab returns the identifier of the tab page operations target.
	ActiveTab() string
	// TabIDs lists the identifiers of every open tab.
	TabIDs(ctx context.Context) ([]string, error)
	// OpenTab opens a new blank tab without switching to it.
	OpenTab(ctx context.Context) error
	SwitchTab(ctx context.Context, id string) error
	CloseTab(ctx context.Context, id string) error
	// SetTimeouts overrides the page-load and script timeouts until the
	// returned restore func is called.
	SetTimeouts(pageLoad, script time.Duration) (restore func())
}

// Factory launches new sessions for the pool.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Session, error)

// NewSession calls f(ctx).
func (f FactoryFunc) NewSession(ctx context.Context) (Session, error) {
	return f(ctx)
}
