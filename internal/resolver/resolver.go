// Package resolver follows offer links to their final destination inside a
// throwaway tab of a borrowed browser session.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
)

// Config bounds every step of a resolution.
type Config struct {
	PageLoadTimeout time.Duration
	ScriptTimeout   time.Duration
	SettleDelay     time.Duration
	StabilityDelay  time.Duration
	// CleanupTimeout bounds tab restoration, which runs even after ctx is
	// cancelled.
	CleanupTimeout time.Duration
	// BridgePatterns are regular expressions matched against the landed URL
	// to recognise redirect bridge pages.
	BridgePatterns []string
	// BridgeMarkers are substrings whose presence in the page content marks
	// a redirect bridge page.
	BridgeMarkers []string
}

const (
	defaultPageLoadTimeout = 8 * time.Second
	defaultScriptTimeout   = 4 * time.Second
	defaultSettleDelay     = 1500 * time.Millisecond
	defaultStabilityDelay  = time.Second
	defaultCleanupTimeout  = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = defaultPageLoadTimeout
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = defaultScriptTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.StabilityDelay <= 0 {
		c.StabilityDelay = defaultStabilityDelay
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = defaultCleanupTimeout
	}
	return c
}

// inlineScripts returns the text of every script element without a src.
const inlineScripts = `Array.from(document.scripts).filter(s => !s.src).map(s => s.textContent).join("\n")`

// embeddedURL patterns are tried in order; the first capture group is the
// destination.
var embeddedURL = []*regexp.Regexp{
	regexp.MustCompile(`location\.replace\(\s*["']([^"']+)["']\s*\)`),
	regexp.MustCompile(`location\.href\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?:window|document|top|self)\.location\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh["']?[^>]*content=["']?\s*\d+\s*;\s*url=['"]?([^"'>\s]+)`),
	regexp.MustCompile(`\b(?:var|let|const)\s+(?:url|redirectUrl|targetUrl)\s*=\s*["']([^"']+)["']`),
}

// Resolver follows links without disturbing the session's active tab.
type Resolver struct {
	cfg      Config
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

// New compiles the bridge patterns and returns a Resolver.
func New(cfg Config, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	patterns := make([]*regexp.Regexp, 0, len(cfg.BridgePatterns))
	for _, expr := range cfg.BridgePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile bridge pattern %q: %w", expr, err)
		}
		patterns = append(patterns, re)
	}
	return &Resolver{cfg: cfg, patterns: patterns, logger: logger}, nil
}

// Resolve returns the final destination of rawURL. It never fails: on any
// problem it returns the best URL seen so far, or rawURL itself. On every
// exit path the session is left on the tab that was active on entry with no
// tabs beyond those open on entry.
func (r *Resolver) Resolve(ctx context.Context, s browser.Session, rawURL string) string {
	final, _ := r.Follow(ctx, s, rawURL)
	return final
}

// Follow is Resolve that also reports whether a destination was actually
// read from the resolution tab. reached is false when the returned URL is
// only the rawURL fallback.
func (r *Resolver) Follow(ctx context.Context, s browser.Session, rawURL string) (best string, reached bool) {
	best = rawURL
	log := r.logger.With(zap.String("session_id", s.ID()), zap.String("url", rawURL))

	original := s.ActiveTab()
	baseline, err := s.TabIDs(ctx)
	if err != nil {
		log.Debug("cannot list tabs, skipping resolution", zap.Error(err))
		return best, reached
	}

	var fresh string
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("recovered panic during link resolution", zap.Any("panic", rec))
		}
		r.cleanup(ctx, s, original, fresh, baseline, log)
	}()

	if err := s.OpenTab(ctx); err != nil {
		log.Debug("cannot open resolution tab", zap.Error(err))
		return best, reached
	}
	after, err := s.TabIDs(ctx)
	if err != nil {
		log.Debug("cannot list tabs after open", zap.Error(err))
		return best, reached
	}
	added := difference(after, baseline)
	if len(added) == 0 {
		log.Debug("no new tab detected, skipping resolution")
		return best, reached
	}
	fresh = added[0]

	if err := s.SwitchTab(ctx, fresh); err != nil {
		log.Debug("cannot switch to resolution tab", zap.Error(err))
		return best, reached
	}
	restore := s.SetTimeouts(r.cfg.PageLoadTimeout, r.cfg.ScriptTimeout)
	defer restore()

	if err := s.Navigate(ctx, rawURL); err != nil {
		// A load timeout can still leave the tab on a useful URL.
		log.Debug("navigation incomplete", zap.Error(err))
	}
	landed, ok := r.readURL(ctx, s)
	if ok {
		best, reached = landed, true
	}

	if ok && r.isBridge(ctx, s, landed) {
		if target, found := r.extractEmbedded(ctx, s, landed); found {
			log.Debug("resolved through redirect bridge", zap.String("bridge", landed), zap.String("resolved", target))
			return target, true
		}
	}

	if err := sleep(ctx, r.cfg.SettleDelay); err != nil {
		return best, reached
	}
	first, ok := r.readURL(ctx, s)
	if !ok {
		return best, reached
	}
	best, reached = first, true
	if err := sleep(ctx, r.cfg.StabilityDelay); err != nil {
		return best, reached
	}
	if second, ok := r.readURL(ctx, s); ok {
		if second != first {
			log.Debug("destination still moving", zap.String("first", first), zap.String("second", second))
		}
		best = second
	}
	return best, reached
}

// cleanup closes the resolution tab and any tab opened since the baseline,
// then switches back to the original tab or, if it vanished, to whatever tab
// remains.
func (r *Resolver) cleanup(ctx context.Context, s browser.Session, original, fresh string, baseline []string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CleanupTimeout)
	defer cancel()

	if fresh != "" {
		if err := s.CloseTab(ctx, fresh); err != nil {
			log.Debug("closing resolution tab", zap.Error(err))
		}
	}

	known := make(map[string]struct{}, len(baseline))
	for _, id := range baseline {
		known[id] = struct{}{}
	}
	current, err := s.TabIDs(ctx)
	if err != nil {
		log.Warn("cannot list tabs during cleanup", zap.Error(err))
	}
	for _, id := range current {
		if _, ok := known[id]; ok || id == original || id == fresh {
			continue
		}
		if err := s.CloseTab(ctx, id); err != nil {
			log.Debug("closing leaked tab", zap.String("tab", id), zap.Error(err))
		}
	}

	if err := s.SwitchTab(ctx, original); err == nil {
		return
	}
	log.Warn("original tab is gone, switching to a remaining tab", zap.String("tab", original))

	remaining, err := s.TabIDs(ctx)
	if err == nil && len(remaining) == 0 {
		if err := s.OpenTab(ctx); err != nil {
			log.Error("session left without tabs", zap.Error(err))
			return
		}
		remaining, err = s.TabIDs(ctx)
	}
	if err != nil {
		log.Error("cannot list tabs to recover context", zap.Error(err))
		return
	}
	for _, id := range remaining {
		if err := s.SwitchTab(ctx, id); err == nil {
			return
		}
	}
	log.Error("no tab could be activated after resolution")
}

func (r *Resolver) isBridge(ctx context.Context, s browser.Session, landed string) bool {
	for _, re := range r.patterns {
		if re.MatchString(landed) {
			return true
		}
	}
	if len(r.cfg.BridgeMarkers) == 0 {
		return false
	}
	content, err := s.Content(ctx)
	if err != nil {
		return false
	}
	for _, marker := range r.cfg.BridgeMarkers {
		if marker != "" && strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// extractEmbedded reads the bridge page's inline scripts, then its markup,
// looking for the destination it would redirect to.
func (r *Resolver) extractEmbedded(ctx context.Context, s browser.Session, bridge string) (string, bool) {
	var scripts string
	if err := s.Evaluate(ctx, inlineScripts, &scripts); err != nil {
		r.logger.Debug("reading inline scripts failed", zap.String("bridge", bridge), zap.Error(err))
	}
	if target, ok := findEmbeddedURL(scripts); ok {
		return target, true
	}
	content, err := s.Content(ctx)
	if err != nil {
		return "", false
	}
	return findEmbeddedURL(content)
}

// findEmbeddedURL returns the destination exactly as the bridge page spells
// it, relative or not.
func findEmbeddedURL(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, re := range embeddedURL {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 || strings.TrimSpace(m[1]) == "" {
			continue
		}
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

func (r *Resolver) readURL(ctx context.Context, s browser.Session) (string, bool) {
	u, err := s.CurrentURL(ctx)
	if err != nil || !usable(u) {
		return "", false
	}
	return u, true
}

func usable(u string) bool {
	switch {
	case u == "", u == "about:blank":
		return false
	case strings.HasPrefix(u, "chrome-error://"):
		return false
	}
	return true
}

func difference(after, before []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, id := range before {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range after {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
