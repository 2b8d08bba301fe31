// Package crawler builds a complete graph snapshot from a per-entity API by walking
// children links breadth-first, one generation at a time, with a bounded number of
// fetches in flight.
package crawler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
	"icdgraph/internal/slogutil"
)

// Entity is the payload of a successful fetch, with URIs already mapped to ids.
type Entity struct {
	Title     string
	ParentIDs []string
	ChildIDs  []string
}

// Fetcher retrieves a single entity. Implementations must be safe for concurrent
// use by up to Options.Concurrency goroutines.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*Entity, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, id string) (*Entity, error)

// Fetch calls f(ctx, id).
func (f FetcherFunc) Fetch(ctx context.Context, id string) (*Entity, error) {
	return f(ctx, id)
}

// Options configures a crawl.
type Options struct {
	// RootID seeds the first generation.
	RootID string
	// Concurrency caps the number of fetches in flight.
	Concurrency int
	// FetchTimeout bounds a single fetch; zero disables the per-fetch deadline.
	FetchTimeout time.Duration
	// ProgressEvery logs a progress line every N fetched entities; zero disables it.
	ProgressEvery int
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		RootID:        graph.RootID,
		Concurrency:   50,
		FetchTimeout:  30 * time.Second,
		ProgressEvery: 1000,
	}
}

// Stats summarizes a finished crawl. Pending counts ids that were discovered but
// never requested because the crawl was cancelled.
type Stats struct {
	Fetched     int           `json:"fetched"`
	Failed      int           `json:"failed"`
	Batches     int           `json:"batches"`
	Seen        int           `json:"seen"`
	Pending     int           `json:"pending"`
	MaxInFlight int           `json:"maxInFlight"`
	Duration    time.Duration `json:"duration"`
}

// Crawler drives the frontier. A Crawler may run several crawls sequentially; the
// concurrency cap is shared by all of them.
type Crawler struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	sem         *semaphore.Weighted
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// New creates a crawler. reg may be nil.
func New(fetcher Fetcher, opts Options, logger *slog.Logger, reg prometheus.Registerer) *Crawler {
	defaults := DefaultOptions()
	if opts.RootID == "" {
		opts.RootID = defaults.RootID
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.FetchTimeout < 0 {
		opts.FetchTimeout = 0
	}
	if opts.ProgressEvery < 0 {
		opts.ProgressEvery = 0
	}
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}

	return &Crawler{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger.With("component", "crawler"),
		metrics: NewMetrics(reg),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

type outcome struct {
	entity *Entity
	err    error
	// skipped is set when the fetch was never issued.
	skipped bool
}

// Crawl fetches every id reachable from the root through children links, each at
// most once. Failed fetches become stub nodes and end exploration of that branch.
// If ctx is cancelled the crawl stops after the current generation has been joined
// and returns the partial graph together with ctx.Err(). Ids whose fetch was never
// issued are left out of the graph and counted in Stats.Pending.
func (c *Crawler) Crawl(ctx context.Context) (*graph.Graph, *Stats, error) {
	start := time.Now()
	g := graph.New()
	stats := &Stats{}

	seen := map[string]struct{}{c.opts.RootID: {}}
	queue := []string{c.opts.RootID}

	c.logger.Info("Starting crawl",
		"root", c.opts.RootID,
		"concurrency", c.opts.Concurrency,
		"fetchTimeout", c.opts.FetchTimeout,
	)

	for len(queue) > 0 {
		batch := queue
		queue = nil
		c.metrics.FrontierSize.Set(0)

		results := c.fetchBatch(ctx, batch)
		stats.Batches++

		// the batch is joined; from here on only this goroutine touches g and seen
		skipped := 0
		for i, id := range batch {
			res := results[i]
			if res.skipped {
				skipped++
				continue
			}
			stats.Fetched++

			if res.err != nil {
				stats.Failed++
				g.Insert(id, graph.NewStub())
			} else {
				e := res.entity
				g.Insert(id, graph.NewNode(e.Title, cloneIDs(e.ParentIDs), cloneIDs(e.ChildIDs)))
				for _, cid := range e.ChildIDs {
					if _, ok := seen[cid]; ok {
						continue
					}
					seen[cid] = struct{}{}
					queue = append(queue, cid)
				}
			}

			if c.opts.ProgressEvery > 0 && stats.Fetched%c.opts.ProgressEvery == 0 {
				elapsed := time.Since(start)
				c.logger.Info("Crawl progress",
					"fetched", stats.Fetched,
					"elapsed", elapsed,
					"perSecond", float64(stats.Fetched)/elapsed.Seconds(),
					"queue", len(queue),
				)
			}
		}

		c.metrics.FrontierSize.Set(float64(len(queue)))
		c.logger.Debug("Generation complete",
			"batch", stats.Batches,
			"size", len(batch),
			"next", len(queue),
		)

		if err := ctx.Err(); err != nil {
			stats.Pending = skipped + len(queue)
			c.finish(stats, seen, start)
			c.logger.Warn("Crawl cancelled", "fetched", stats.Fetched, "pending", stats.Pending, "error", err)
			return g, stats, err
		}
	}

	c.finish(stats, seen, start)
	c.logger.Info("Crawl complete",
		"fetched", stats.Fetched,
		"failed", stats.Failed,
		"batches", stats.Batches,
		"elapsed", stats.Duration,
		"perSecond", float64(stats.Fetched)/stats.Duration.Seconds(),
	)
	return g, stats, nil
}

func (c *Crawler) finish(stats *Stats, seen map[string]struct{}, start time.Time) {
	stats.Seen = len(seen)
	stats.MaxInFlight = int(c.maxInFlight.Load())
	stats.Duration = time.Since(start)
}

// fetchBatch issues one fetch per id and waits for all of them. The semaphore is
// acquired before a goroutine is started so a large generation never holds more
// than Concurrency goroutines.
func (c *Crawler) fetchBatch(ctx context.Context, batch []string) []outcome {
	results := make([]outcome, len(batch))

	var eg errgroup.Group
	for i, id := range batch {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			results[i] = outcome{skipped: true}
			continue
		}
		i, id := i, id
		eg.Go(func() error {
			defer c.sem.Release(1)
			results[i] = c.fetchOne(ctx, id)
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

func (c *Crawler) fetchOne(ctx context.Context, id string) outcome {
	current := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if current <= peak || c.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	c.metrics.InFlight.Inc()
	defer c.metrics.InFlight.Dec()

	fctx := ctx
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	entity, err := c.fetcher.Fetch(fctx, id)
	c.metrics.FetchDuration.Observe(time.Since(start).Seconds())

	if err == nil && entity == nil {
		err = errors.Errorf(errors.FetchFailed, "empty response for %s", id)
	}
	if err != nil {
		label := outcomeError
		if fctx.Err() == context.DeadlineExceeded || errors.Is(err, errors.Timeout) {
			label = outcomeTimeout
		}
		c.metrics.FetchTotal.WithLabelValues(label).Inc()
		c.logger.Warn("Entity fetch failed", "id", id, "outcome", label, "error", err)
		return outcome{err: err}
	}

	c.metrics.FetchTotal.WithLabelValues(outcomeOK).Inc()
	return outcome{entity: entity}
}

func cloneIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
