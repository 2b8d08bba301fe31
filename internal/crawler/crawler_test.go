package crawler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
	"icdgraph/internal/slogutil"
)

// fakeAPI serves entities from a fixed table and records every call.
type fakeAPI struct {
	entities map[string]*Entity
	failing  map[string]bool
	delay    time.Duration

	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int64
	peak     atomic.Int64
}

func newFakeAPI(children map[string][]string) *fakeAPI {
	api := &fakeAPI{
		entities: make(map[string]*Entity),
		failing:  make(map[string]bool),
		calls:    make(map[string]int),
	}
	parents := make(map[string][]string)
	for id, kids := range children {
		for _, k := range kids {
			parents[k] = append(parents[k], id)
		}
	}
	for id, kids := range children {
		api.entities[id] = &Entity{Title: "title " + id, ParentIDs: parents[id], ChildIDs: kids}
	}
	for id := range parents {
		if _, ok := api.entities[id]; !ok {
			api.entities[id] = &Entity{Title: "title " + id, ParentIDs: parents[id]}
		}
	}
	return api
}

func (f *fakeAPI) Fetch(ctx context.Context, id string) (*Entity, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, errors.NewError(errors.Timeout, "fetch "+id, ctx.Err())
		}
	}
	if f.failing[id] {
		return nil, errors.Errorf(errors.FetchFailed, "GET %s -> 500", id)
	}
	e, ok := f.entities[id]
	if !ok {
		return nil, errors.Errorf(errors.FetchFailed, "GET %s -> 404", id)
	}
	return e, nil
}

func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func testOptions() Options {
	return Options{RootID: graph.RootID, Concurrency: 4, FetchTimeout: time.Second}
}

func TestCrawlDiamond(t *testing.T) {
	api := newFakeAPI(map[string][]string{
		graph.RootID: {"a", "b"},
		"a":          {"c"},
		"b":          {"c"},
	})

	c := New(api, testOptions(), slogutil.NewDiscardLogger(), nil)
	g, stats, err := c.Crawl(context.Background())
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if g.Len() != 4 {
		t.Fatalf("graph has %d nodes, want 4", g.Len())
	}
	if stats.Seen != g.Len() {
		t.Errorf("Seen = %d, want %d", stats.Seen, g.Len())
	}
	if api.totalCalls() != g.Len() {
		t.Errorf("fetch calls = %d, want %d", api.totalCalls(), g.Len())
	}
	for id, n := range api.calls {
		if n != 1 {
			t.Errorf("%s fetched %d times, want 1", id, n)
		}
	}
	if stats.Batches != 3 {
		t.Errorf("Batches = %d, want 3", stats.Batches)
	}

	c2, _ := g.Get("c")
	if len(c2.Parents) != 2 {
		t.Errorf("c parents = %v, want two entries", c2.Parents)
	}
	if c2.Title != "title c" {
		t.Errorf("c title = %q", c2.Title)
	}
}

func TestCrawlFailedFetchEndsBranch(t *testing.T) {
	api := newFakeAPI(map[string][]string{
		graph.RootID: {"x", "y"},
		"x":          {"hidden", "shared"},
		"y":          {"shared"},
		"hidden":     {"deeper"},
	})
	api.failing["x"] = true

	g, stats, err := New(api, testOptions(), nil, nil).Crawl(context.Background())
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	x, ok := g.Get("x")
	if !ok {
		t.Fatal("failed node x should still be in the graph")
	}
	if x.Title != graph.UnknownTitle || len(x.Children) != 0 || len(x.Parents) != 0 {
		t.Errorf("x = %+v, want stub", x)
	}
	for _, id := range []string{"hidden", "deeper"} {
		if g.Has(id) {
			t.Errorf("%s is only reachable through x and should not be crawled", id)
		}
	}
	if !g.Has("shared") {
		t.Error("shared is reachable through y and should be crawled")
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if api.calls["x"] != 1 {
		t.Errorf("x fetched %d times, failures must not be retried", api.calls["x"])
	}
}

func TestCrawlRootFailure(t *testing.T) {
	api := newFakeAPI(map[string][]string{graph.RootID: {"a"}})
	api.failing[graph.RootID] = true

	g, stats, err := New(api, testOptions(), nil, nil).Crawl(context.Background())
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	if g.Len() != 1 || stats.Fetched != 1 || stats.Failed != 1 {
		t.Errorf("len=%d fetched=%d failed=%d, want 1/1/1", g.Len(), stats.Fetched, stats.Failed)
	}
}

func TestCrawlCycleTerminates(t *testing.T) {
	api := newFakeAPI(map[string][]string{
		graph.RootID: {"a"},
		"a":          {"b"},
		"b":          {"a", graph.RootID},
	})

	g, stats, err := New(api, testOptions(), nil, nil).Crawl(context.Background())
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	if g.Len() != 3 || api.totalCalls() != 3 {
		t.Errorf("len=%d calls=%d, want 3/3", g.Len(), api.totalCalls())
	}
	if stats.Seen != 3 {
		t.Errorf("Seen = %d, want 3", stats.Seen)
	}
}

func TestCrawlRespectsConcurrencyCap(t *testing.T) {
	children := map[string][]string{graph.RootID: {}}
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("n%d", i)
		children[graph.RootID] = append(children[graph.RootID], id)
		children[id] = []string{fmt.Sprintf("leaf%d", i)}
	}
	api := newFakeAPI(children)
	api.delay = 5 * time.Millisecond

	opts := testOptions()
	opts.Concurrency = 3
	g, stats, err := New(api, opts, nil, nil).Crawl(context.Background())
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if g.Len() != 81 {
		t.Errorf("graph has %d nodes, want 81", g.Len())
	}
	if peak := api.peak.Load(); peak > 3 {
		t.Errorf("observed %d concurrent fetches, cap is 3", peak)
	}
	if stats.MaxInFlight > 3 || stats.MaxInFlight < 1 {
		t.Errorf("MaxInFlight = %d, want 1..3", stats.MaxInFlight)
	}
}

func TestCrawlTimeoutRecordsStub(t *testing.T) {
	api := newFakeAPI(map[string][]string{graph.RootID: {"slow"}, "slow": {"never"}})
	api.delay = 50 * time.Millisecond

	opts := testOptions()
	opts.FetchTimeout = 5 * time.Millisecond
	reg := prometheus.NewRegistry()
	c := New(api, opts, nil, reg)

	g, stats, err := c.Crawl(context.Background())
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	// the root itself times out, so nothing below it is discovered
	if g.Len() != 1 || stats.Failed != 1 {
		t.Errorf("len=%d failed=%d, want 1/1", g.Len(), stats.Failed)
	}
	if got := testutil.ToFloat64(c.metrics.FetchTotal.WithLabelValues(outcomeTimeout)); got != 1 {
		t.Errorf("timeout counter = %v, want 1", got)
	}
}

func TestCrawlMetrics(t *testing.T) {
	api := newFakeAPI(map[string][]string{graph.RootID: {"a", "b"}})
	api.failing["b"] = true

	reg := prometheus.NewRegistry()
	c := New(api, testOptions(), nil, reg)
	if _, _, err := c.Crawl(context.Background()); err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if got := testutil.ToFloat64(c.metrics.FetchTotal.WithLabelValues(outcomeOK)); got != 2 {
		t.Errorf("ok fetches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.metrics.FetchTotal.WithLabelValues(outcomeError)); got != 1 {
		t.Errorf("failed fetches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.metrics.InFlight); got != 0 {
		t.Errorf("in-flight gauge = %v after crawl, want 0", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("metrics should be registered on the supplied registry")
	}
}

func TestCrawlCancelledContext(t *testing.T) {
	api := newFakeAPI(map[string][]string{graph.RootID: {"a"}, "a": {"b"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g, stats, err := New(api, testOptions(), nil, nil).Crawl(ctx)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if g.Len() != 0 || api.totalCalls() != 0 {
		t.Errorf("len=%d calls=%d, want an empty graph and no fetches", g.Len(), api.totalCalls())
	}
	if stats.Fetched != 0 || stats.Failed != 0 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want fetched=0 failed=0 pending=1", stats)
	}
	if stats.Batches != 1 {
		t.Errorf("Batches = %d, want 1", stats.Batches)
	}
}

func TestCrawlCancelledMidBatchLeavesUnstartedOut(t *testing.T) {
	api := newFakeAPI(map[string][]string{graph.RootID: {"a", "b", "c"}, "a": {"x"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := FetcherFunc(func(fctx context.Context, id string) (*Entity, error) {
		if id == "a" {
			cancel()
		}
		return api.Fetch(fctx, id)
	})

	opts := testOptions()
	opts.Concurrency = 1
	g, stats, err := New(fetcher, opts, nil, nil).Crawl(ctx)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// with one slot, b and c wait on the semaphore until the cancel lands
	if got := api.totalCalls(); got != g.Len() {
		t.Errorf("fetch calls = %d, graph nodes = %d; every node must come from a fetch", got, g.Len())
	}
	if g.Len() != 2 {
		t.Errorf("graph has %d nodes (%v), want root and a", g.Len(), g.IDs())
	}
	for _, id := range []string{"b", "c", "x"} {
		if _, ok := g.Get(id); ok {
			t.Errorf("%s was never requested and must not be in the graph", id)
		}
	}
	if stats.Fetched != 2 || stats.Failed != 0 {
		t.Errorf("Fetched=%d Failed=%d, want 2/0", stats.Fetched, stats.Failed)
	}
	if stats.Pending != 3 {
		t.Errorf("Pending = %d, want 3 (b, c and x)", stats.Pending)
	}
}

func TestFetcherFunc(t *testing.T) {
	var f Fetcher = FetcherFunc(func(_ context.Context, id string) (*Entity, error) {
		return &Entity{Title: id}, nil
	})
	e, err := f.Fetch(context.Background(), "x")
	if err != nil || e.Title != "x" {
		t.Errorf("FetcherFunc returned %v, %v", e, err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(newFakeAPI(nil), Options{Concurrency: -1, ProgressEvery: -5}, nil, nil)
	if c.opts.RootID != graph.RootID {
		t.Errorf("RootID = %q, want %q", c.opts.RootID, graph.RootID)
	}
	if c.opts.Concurrency != DefaultOptions().Concurrency {
		t.Errorf("Concurrency = %d, want default", c.opts.Concurrency)
	}
	if c.opts.ProgressEvery != 0 {
		t.Errorf("ProgressEvery = %d, want 0", c.opts.ProgressEvery)
	}
}
