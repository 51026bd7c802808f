package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/politeness"
)

// Config controls stage parallelism and per-step bounds.
type Config struct {
	// Workers per parallel stage. Zero means the pool capacity; larger values
	// are clamped to it.
	Workers int
	// ItemDelay is the politeness pause a worker takes after each item. It is
	// only used when no Pacer is supplied.
	ItemDelay time.Duration
	// MaxPages stops the harvest after this many listing pages; zero means
	// no limit.
	MaxPages    int
	PageTimeout time.Duration
	ItemTimeout time.Duration
}

const (
	defaultItemDelay   = 300 * time.Millisecond
	defaultPageTimeout = 60 * time.Second
	defaultItemTimeout = 90 * time.Second
)

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithPacer replaces the default fixed-delay pacer.
func WithPacer(p Pacer) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.pacer = p
		}
	}
}

// WithObserver registers a stage observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs targets through harvest, enrich and resolve. Stages are
// separated by barriers; inside a stage items complete in any order.
type Orchestrator struct {
	pool      SessionPool
	resolver  LinkResolver
	sink      Sink
	cfg       Config
	logger    *zap.Logger
	pacer     Pacer
	observers []Observer
	now       func() time.Time
}

// New builds an Orchestrator. sink may be nil when results are only
// returned to the caller.
func New(pool SessionPool, resolver LinkResolver, sink Sink, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if pool == nil {
		return nil, errors.New("session pool is required")
	}
	if resolver == nil {
		return nil, errors.New("link resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := pool.Capacity()
	if cfg.Workers <= 0 || (capacity > 0 && cfg.Workers > capacity) {
		cfg.Workers = capacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	} else if cfg.ItemDelay == 0 {
		cfg.ItemDelay = defaultItemDelay
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = defaultPageTimeout
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	o := &Orchestrator{
		pool:     pool,
		resolver: resolver,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	o.pacer = politeness.New(politeness.Config{Delay: cfg.ItemDelay})
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run crawls target once. Per-item problems are recorded on the items and
// in Stats; an error is returned only when the harvest produced nothing, the
// context ended, or the sink failed. The result is returned in every case.
func (o *Orchestrator) Run(ctx context.Context, target Target) (Result, error) {
	res := Result{
		RunID:     newRunID(),
		Target:    target.Name,
		StartedAt: o.now(),
	}
	if target.Harvester == nil {
		return res, fmt.Errorf("target %q has no harvester", target.Name)
	}
	log := o.logger.With(zap.String("run_id", res.RunID), zap.String("target", target.Name))
	log.Info("pipeline run started", zap.String("start_url", target.StartURL), zap.Int("workers", o.cfg.Workers))

	var stats counters
	finish := func(err error) (Result, error) {
		res.FinishedAt = o.now()
		res.Stats = stats.snapshot()
		return res, err
	}

	done := o.stage(target.Name, StageHarvest)
	items, pages, err := o.harvest(ctx, target, log)
	done()
	stats.add(&stats.pagesHarvested, pages)
	stats.add(&stats.itemsHarvested, len(items))
	res.Items = items
	if err != nil {
		log.Error("harvest failed", zap.Error(err))
		return finish(err)
	}
	log.Info("harvest finished", zap.Int("pages", pages), zap.Int("items", len(items)))

	if target.Enricher != nil && len(items) > 0 {
		done = o.stage(target.Name, StageEnrich)
		o.enrich(ctx, target, items, &stats, log)
		done()
		if err := ctx.Err(); err != nil {
			return finish(fmt.Errorf("enrich stage: %w", err))
		}
	}

	done = o.stage(target.Name, StageResolve)
	o.resolve(ctx, target, items, &stats, log)
	done()
	if err := ctx.Err(); err != nil {
		return finish(fmt.Errorf("resolve stage: %w", err))
	}

	out, runErr := finish(nil)
	if o.sink != nil {
		if err := o.sink.Save(ctx, out); err != nil {
			log.Error("saving run results failed", zap.Error(err))
			stats.add(&stats.sinkErrors, 1)
			out.Stats = stats.snapshot()
			runErr = fmt.Errorf("save results: %w", err)
		}
	}
	log.Info("pipeline run finished",
		zap.Int("items", len(out.Items)),
		zap.Int("enrich_failed", out.Stats.EnrichFailed),
		zap.Int("resolve_failed", out.Stats.ResolveFailed),
		zap.Duration("elapsed", out.FinishedAt.Sub(out.StartedAt)),
	)
	return out, runErr
}

// harvest walks the listing with a single session. Only a failure on the
// first page is fatal; later failures end pagination with what was gathered.
// Items are never dropped here: exclusion belongs to the Harvester.
func (o *Orchestrator) harvest(ctx context.Context, target Target, log *zap.Logger) ([]*WorkItem, int, error) {
	s, err := o.pool.Borrow(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w: %w", ErrHarvestFailed, ErrNoSession, err)
	}
	defer o.pool.Return(ctx, s)

	if err := o.pacer.Wait(ctx, target.StartURL); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrHarvestFailed, err)
	}
	navCtx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	err = s.Navigate(navCtx, target.StartURL)
	cancel()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %w", ErrHarvestFailed, target.StartURL, err)
	}

	var (
		items []*WorkItem
		pages int
		seen  = make(map[string]struct{})
	)
	for page := 1; ; page++ {
		batch, err := o.readPage(ctx, target, s, page)
		if err != nil {
			if page == 1 {
				return nil, 0, fmt.Errorf("%w: %w", ErrHarvestFailed, err)
			}
			log.Warn("listing page failed, ending harvest", zap.Int("page", page), zap.Error(err))
			break
		}
		if len(batch) == 0 {
			log.Debug("empty listing page, ending harvest", zap.Int("page", page))
			break
		}
		pages++
		for ordinal, item := range batch {
			o.stamp(target, item, page)
			if _, dup := seen[item.ID]; dup {
				base := item.ID
				item.ID = uniqueID(seen, base, page, ordinal)
				log.Debug("listing item id collision", zap.String("item_id", base), zap.String("assigned_id", item.ID), zap.Int("page", page))
			}
			seen[item.ID] = struct{}{}
			items = append(items, item)
			metrics.ObserveItem(target.Name, string(StageHarvest), "harvested")
		}

		if o.cfg.MaxPages > 0 && page >= o.cfg.MaxPages {
			break
		}
		if !o.advance(ctx, target, s, page, log) {
			break
		}
	}
	return items, pages, nil
}

// uniqueID derives an unused id for an item whose fingerprint is taken.
// Every harvested item is kept; only its id changes.
func uniqueID(seen map[string]struct{}, base string, page, ordinal int) string {
	id := fmt.Sprintf("%s-%d-%d", base, page, ordinal)
	for n := 1; ; n++ {
		if _, taken := seen[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d-%d-%d", base, page, ordinal, n)
	}
}

func (o *Orchestrator) readPage(ctx context.Context, target Target, s browser.Session, page int) ([]*WorkItem, error) {
	pageCtx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	defer cancel()
	content, err := s.Content(pageCtx)
	if err != nil {
		return nil, fmt.Errorf("read listing page %d: %w", page, err)
	}
	batch, err := target.Harvester.Extract(content, page)
	if err != nil {
		return nil, fmt.Errorf("parse listing page %d: %w", page, err)
	}
	return batch, nil
}

// advance moves to the next listing page and reports whether one exists.
func (o *Orchestrator) advance(ctx context.Context, target Target, s browser.Session, page int, log *zap.Logger) bool {
	pageCtx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	defer cancel()
	more, err := target.Harvester.HasNextPage(pageCtx, s, page)
	if err != nil {
		log.Warn("checking for next listing page failed", zap.Int("page", page), zap.Error(err))
		return false
	}
	if !more {
		return false
	}
	if err := o.pacer.Pause(ctx, target.StartURL); err != nil {
		return false
	}
	if err := target.Harvester.NextPage(pageCtx, s, page); err != nil {
		log.Warn("advancing listing failed", zap.Int("page", page), zap.Error(err))
		return false
	}
	return true
}

func (o *Orchestrator) stamp(target Target, item *WorkItem, page int) {
	item.Source = target.Name
	item.Page = page
	if item.HarvestedAt.IsZero() {
		item.HarvestedAt = o.now()
	}
	if item.ID == "" {
		item.ID = Fingerprint(target.Name, item.URL, item.Name)
	}
	item.State = StateHarvested
	for i := range item.Offers {
		if item.Offers[i].Link == "" {
			item.Offers[i].Resolution = ResolutionSkipped
		} else {
			item.Offers[i].Resolution = ResolutionPending
		}
	}
}

// enrich fans items out to a fixed worker group and returns once every
// worker is done.
func (o *Orchestrator) enrich(ctx context.Context, target Target, items []*WorkItem, stats *counters, log *zap.Logger) {
	queue := make(chan *WorkItem)
	var g errgroup.Group
	for w := 0; w < o.cfg.Workers; w++ {
		wlog := log.With(zap.Int("worker", w), zap.String("stage", string(StageEnrich)))
		g.Go(func() error {
			for item := range queue {
				if o.enrichOne(ctx, target, item, wlog) {
					stats.add(&stats.enrichSucceeded, 1)
					metrics.ObserveItem(target.Name, string(StageEnrich), "succeeded")
				} else {
					stats.add(&stats.enrichFailed, 1)
					metrics.ObserveItem(target.Name, string(StageEnrich), "failed")
				}
				_ = o.pacer.Pause(ctx, item.URL)
			}
			return nil
		})
	}
	feed(ctx, queue, items)
	_ = g.Wait()
}

// enrichOne returns false when the item ends up enrichment_failed. The item
// always keeps its harvested fields.
func (o *Orchestrator) enrichOne(ctx context.Context, target Target, item *WorkItem, log *zap.Logger) bool {
	fail := func(err error) bool {
		item.State = StateEnrichmentFailed
		item.Err = err.Error()
		log.Warn("item enrichment failed", zap.String("item_id", item.ID), zap.String("url", item.URL), zap.Error(err))
		return false
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := o.pacer.Wait(ctx, item.URL); err != nil {
		return fail(err)
	}

	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	s, err := o.pool.Borrow(itemCtx)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrNoSession, err))
	}
	defer o.pool.Return(ctx, s)

	work := item.Clone()
	enriched, err := safeEnrich(itemCtx, target.Enricher, work, s)
	if err != nil {
		if enriched == nil {
			enriched = work
		}
		item.absorbPartial(enriched)
		return fail(err)
	}
	if enriched == nil {
		enriched = work
	}
	item.adopt(enriched)
	item.State = StateEnriched
	item.Err = ""
	return true
}

func safeEnrich(ctx context.Context, e Enricher, item *WorkItem, s browser.Session) (out *WorkItem, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("enricher panic: %v", rec)
		}
	}()
	return e.Enrich(ctx, item, s)
}

type resolveJob struct {
	item  *WorkItem
	offer int
}

// resolve follows every offer link. Items without links never take a
// worker slot. Offer jobs of one item touch disjoint elements of Offers.
func (o *Orchestrator) resolve(ctx context.Context, target Target, items []*WorkItem, stats *counters, log *zap.Logger) {
	var jobs []resolveJob
	for _, item := range items {
		for i := range item.Offers {
			if item.Offers[i].Link == "" {
				item.Offers[i].Resolution = ResolutionSkipped
				stats.add(&stats.resolveSkipped, 1)
				metrics.ObserveResolution(target.Name, string(ResolutionSkipped))
				continue
			}
			jobs = append(jobs, resolveJob{item: item, offer: i})
		}
	}
	if len(jobs) > 0 {
		queue := make(chan resolveJob)
		var g errgroup.Group
		for w := 0; w < o.cfg.Workers; w++ {
			wlog := log.With(zap.Int("worker", w), zap.String("stage", string(StageResolve)))
			g.Go(func() error {
				for job := range queue {
					outcome := o.resolveOne(ctx, job, wlog)
					stats.add(&stats.resolveAttempted, 1)
					if outcome == ResolutionResolved || outcome == ResolutionDirect {
						stats.add(&stats.resolveSucceeded, 1)
					} else {
						stats.add(&stats.resolveFailed, 1)
					}
					metrics.ObserveResolution(target.Name, string(outcome))
					_ = o.pacer.Pause(ctx, job.item.Offers[job.offer].Link)
				}
				return nil
			})
		}
		feed(ctx, queue, jobs)
		_ = g.Wait()
	}

	for _, item := range items {
		applyResolutionState(item)
	}
}

func (o *Orchestrator) resolveOne(ctx context.Context, job resolveJob, log *zap.Logger) Resolution {
	offer := &job.item.Offers[job.offer]
	unresolved := func() Resolution {
		offer.ResolvedLink = offer.Link
		offer.Resolution = ResolutionUnresolved
		return ResolutionUnresolved
	}
	if ctx.Err() != nil {
		return unresolved()
	}
	if err := o.pacer.Wait(ctx, offer.Link); err != nil {
		return unresolved()
	}

	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()
	s, err := o.pool.Borrow(itemCtx)
	if err != nil {
		log.Warn("no session for link resolution", zap.String("item_id", job.item.ID), zap.Error(err))
		return unresolved()
	}
	defer o.pool.Return(ctx, s)

	final, reached := o.follow(itemCtx, s, offer.Link)
	switch {
	case final == "" || !reached:
		log.Debug("offer link unresolved", zap.String("item_id", job.item.ID), zap.String("url", offer.Link))
		return unresolved()
	case final == offer.Link:
		offer.ResolvedLink = final
		offer.Resolution = ResolutionDirect
		return ResolutionDirect
	}
	offer.ResolvedLink = final
	offer.Resolution = ResolutionResolved
	return ResolutionResolved
}

// follow resolves url through a LinkFollower when the resolver is one. A
// plain LinkResolver hands back its input on failure, so an unchanged URL
// from it cannot be told apart from a failure and counts as not reached.
func (o *Orchestrator) follow(ctx context.Context, s browser.Session, url string) (string, bool) {
	if f, ok := o.resolver.(LinkFollower); ok {
		return f.Follow(ctx, s, url)
	}
	final := o.resolver.Resolve(ctx, s, url)
	return final, final != "" && final != url
}

// applyResolutionState sets the item state once all of its offer jobs are
// done. Items with nothing to resolve keep their enrichment state.
func applyResolutionState(item *WorkItem) {
	attempted, resolved := 0, 0
	for _, offer := range item.Offers {
		switch offer.Resolution {
		case ResolutionResolved, ResolutionDirect:
			attempted++
			resolved++
		case ResolutionUnresolved, ResolutionPending:
			attempted++
		}
	}
	switch {
	case attempted == 0:
	case resolved == attempted:
		item.State = StateResolved
	default:
		item.State = StateResolutionPartial
	}
}

// stage notifies observers and returns the matching finish func.
func (o *Orchestrator) stage(target string, stage Stage) func() {
	start := time.Now()
	for _, obs := range o.observers {
		obs.StageStarted(target, stage)
	}
	return func() {
		elapsed := time.Since(start)
		metrics.ObserveStage(target, string(stage), elapsed)
		for _, obs := range o.observers {
			obs.StageFinished(target, stage, elapsed)
		}
	}
}

// feed sends every element unless ctx ends first, then closes queue.
func feed[T any](ctx context.Context, queue chan<- T, elems []T) {
	defer close(queue)
	for _, e := range elems {
		select {
		case queue <- e:
		case <-ctx.Done():
			return
		}
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type counters struct {
	mu               sync.Mutex
	pagesHarvested   int
	itemsHarvested   int
	enrichSucceeded  int
	enrichFailed     int
	resolveAttempted int
	resolveSucceeded int
	resolveFailed    int
	resolveSkipped   int
	sinkErrors       int
}

func (c *counters) add(field *int, n int) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		PagesHarvested:   c.pagesHarvested,
		ItemsHarvested:   c.itemsHarvested,
		EnrichSucceeded:  c.enrichSucceeded,
		EnrichFailed:     c.enrichFailed,
		ResolveAttempted: c.resolveAttempted,
		ResolveSucceeded: c.resolveSucceeded,
		ResolveFailed:    c.resolveFailed,
		ResolveSkipped:   c.resolveSkipped,
		SinkErrors:       c.sinkErrors,
	}
}
