// Package pipeline runs the three-stage crawl of one target: harvest the
// paginated listing, enrich every item, then resolve every offer link.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
)

var (
	// ErrHarvestFailed means stage 1 produced nothing: the session could not
	// be obtained or the first listing page could not be read.
	ErrHarvestFailed = errors.New("harvest failed")
	// ErrNoSession wraps pool failures recorded against items.
	ErrNoSession = errors.New("no browser session")
)

// Stage names one pipeline stage.
type Stage string

// Pipeline stages in execution order.
const (
	StageHarvest Stage = "harvest"
	StageEnrich  Stage = "enrich"
	StageResolve Stage = "resolve"
)

// Harvester parses a site's paginated listing. Implementations are site
// specific.
type Harvester interface {
	// Extract parses the rendered listing page into items. page is 1-based.
	Extract(content string, page int) ([]*WorkItem, error)
	// HasNextPage reports whether another listing page follows page.
	HasNextPage(ctx context.Context, s browser.Session, page int) (bool, error)
	// NextPage advances the session to the page after page.
	NextPage(ctx context.Context, s browser.Session, page int) error
}

// Enricher fills in per-item detail, usually from the item's own page. It
// may mutate and return item; a returned error never removes the item.
type Enricher interface {
	Enrich(ctx context.Context, item *WorkItem, s browser.Session) (*WorkItem, error)
}

// Sink receives the finished run.
type Sink interface {
	Save(ctx context.Context, result Result) error
}

// SessionPool is the subset of browser.Pool the pipeline needs.
type SessionPool interface {
	Borrow(ctx context.Context) (browser.Session, error)
	Return(ctx context.Context, s browser.Session)
	Capacity() int
}

// LinkResolver follows an offer link to its destination. It never fails.
type LinkResolver interface {
	Resolve(ctx context.Context, s browser.Session, url string) string
}

// LinkFollower is implemented by resolvers that can tell a followed link
// from the fallback answer. reached is false when final is only the input
// URL handed back after a failure.
type LinkFollower interface {
	Follow(ctx context.Context, s browser.Session, url string) (final string, reached bool)
}

// Pacer spaces out traffic to the crawled sites.
type Pacer interface {
	Wait(ctx context.Context, url string) error
	Pause(ctx context.Context, url string) error
}

// Observer is notified as stages start and finish.
type Observer interface {
	StageStarted(target string, stage Stage)
	StageFinished(target string, stage Stage, elapsed time.Duration)
}

// Target is one site to crawl.
type Target struct {
	Name      string
	StartURL  string
	Harvester Harvester
	Enricher  Enricher
}

// Stats are the aggregate counters of one run.
type Stats struct {
	PagesHarvested   int `json:"pages_harvested"`
	ItemsHarvested   int `json:"items_harvested"`
	EnrichSucceeded  int `json:"enrich_succeeded"`
	EnrichFailed     int `json:"enrich_failed"`
	ResolveAttempted int `json:"resolve_attempted"`
	ResolveSucceeded int `json:"resolve_succeeded"`
	ResolveFailed    int `json:"resolve_failed"`
	ResolveSkipped   int `json:"resolve_skipped"`
	SinkErrors       int `json:"sink_errors"`
}

// Result is the output of one run. Item order is not meaningful.
type Result struct {
	RunID      string      `json:"run_id"`
	Target     string      `json:"target"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Items      []*WorkItem `json:"items"`
	Stats      Stats       `json:"stats"`
}
