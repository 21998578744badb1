// Package coordinator serves content information and byte range requests for one resource,
// from the cache where it can and from the origin where it must.
//
// Every uncached byte is owned by at most one InFlightFetch. Requests that need bytes a running
// fetch will produce attach to it as listeners and wait, instead of fetching again. Fetched bytes
// go to the store first; listeners only ever read them back from the store once the range index
// covers them, so what a caller receives and what the cache holds cannot diverge.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/delegate"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/fetch"
	"github.com/terrycain/media-cache-server/pkg/metrics"
	"github.com/terrycain/media-cache-server/pkg/s"
	"github.com/terrycain/media-cache-server/pkg/store"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultChunkSize    = 64 * 1024
	DefaultCancelLinger = 5 * time.Second
	// openEnd marks a fetch that runs to the end of a resource of unknown length.
	openEnd = math.MaxInt64
)

// Fetcher is the origin side of the coordinator, normally a *fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Stream, error)
	Probe(ctx context.Context, req fetch.Request) (s.ContentInfo, error)
}

type Config struct {
	Fetcher Fetcher
	Bridge  *delegate.Bridge
	// Header customises every origin request. Delegate headers win on conflict.
	Header http.Header
	// Timeout bounds the wait for progress of each origin fetch.
	Timeout time.Duration
	// ReadAhead extends a gap fetch past the end of the request that triggered it. Zero fetches
	// only the gap, a negative value fetches to the end of the resource.
	ReadAhead int64
	// CancelLinger is how long a fetch whose listeners all cancelled keeps running in case a new
	// request wants its bytes. Negative cancels at once.
	CancelLinger time.Duration
	ChunkSize    int64
}

type Coordinator struct {
	url     string
	entry   *store.Entry
	fetcher Fetcher
	bridge  *delegate.Bridge
	header  http.Header
	timeout time.Duration

	readAhead int64
	linger    time.Duration
	chunkSize int64

	probes singleflight.Group
	wg     sync.WaitGroup

	// mu guards everything below and the listener state of every fetch and request
	mu      sync.Mutex
	cond    *sync.Cond
	fetches map[string]*InFlightFetch
	closed  bool
}

// New coordinates requests for the resource behind entry. The coordinator takes ownership of the
// entry and closes it on Close.
func New(entry *store.Entry, cfg Config) (*Coordinator, error) {
	if entry == nil || cfg.Fetcher == nil {
		return nil, errors.New("entry and fetcher are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = fetch.DefaultTimeout
	}
	if cfg.CancelLinger == 0 {
		cfg.CancelLinger = DefaultCancelLinger
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	c := &Coordinator{
		url:       entry.URL,
		entry:     entry,
		fetcher:   cfg.Fetcher,
		bridge:    cfg.Bridge,
		header:    cfg.Header,
		timeout:   cfg.Timeout,
		readAhead: cfg.ReadAhead,
		linger:    cfg.CancelLinger,
		chunkSize: cfg.ChunkSize,
		fetches:   make(map[string]*InFlightFetch),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

func (c *Coordinator) URL() string { return c.url }

// ContentInfo answers from the cache when length and type are known and otherwise probes the
// origin once, however many callers ask at the same time.
func (c *Coordinator) ContentInfo(ctx context.Context) (s.ContentInfo, error) {
	if info := c.entry.Info(); info.Known() {
		metrics.ContentInfoRequests.WithLabelValues("cache").Inc()
		return info, nil
	}
	if c.isClosed() {
		return s.ContentInfo{}, e.ErrClosed
	}

	ch := c.probes.DoChan("info", func() (interface{}, error) {
		metrics.ContentInfoRequests.WithLabelValues("network").Inc()
		// Shared by every waiting caller, so one caller giving up must not fail the others
		return c.probe(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return s.ContentInfo{}, e.ErrCancelled
	case res := <-ch:
		if res.Err != nil {
			return s.ContentInfo{}, res.Err
		}
		return res.Val.(s.ContentInfo), nil
	}
}

func (c *Coordinator) probe(ctx context.Context) (s.ContentInfo, error) {
	probeRange := s.Range{Start: 0, End: 2}
	start := time.Now()

	info, err := c.probeOrigin(ctx, probeRange)
	c.bridge.Completed(c.url, probeRange, delegate.Outcome{Duration: time.Since(start), Err: err})
	if err != nil {
		log.Warn().Err(err).Str("url", c.url).Msg("Content information probe failed")
		return s.ContentInfo{}, err
	}
	log.Debug().Str("url", c.url).Int64("length", info.Length).Str("content_type", info.ContentType).Msg("Probed origin")
	return info, nil
}

func (c *Coordinator) probeOrigin(ctx context.Context, probeRange s.Range) (s.ContentInfo, error) {
	header, err := c.bridge.Authorize(ctx, c.url, probeRange)
	if err != nil {
		return s.ContentInfo{}, err
	}
	info, err := c.fetcher.Probe(ctx, fetch.Request{
		URL:     c.url,
		Header:  delegate.MergeHeader(c.header, header),
		Timeout: c.timeout,
	})
	if err != nil {
		return s.ContentInfo{}, err
	}
	if err = c.applyInfo(info); err != nil {
		return s.ContentInfo{}, err
	}
	if err = c.entry.Flush(); err != nil {
		log.Warn().Err(err).Str("url", c.url).Msg("Failed to persist content information")
	}
	return c.entry.Info(), nil
}

// applyInfo records what an origin reported, failing on conflicts with cached values.
func (c *Coordinator) applyInfo(info s.ContentInfo) error {
	if info.Length >= 0 {
		if err := c.entry.SetLength(info.Length); err != nil {
			return err
		}
	}
	return c.entry.SetContentType(info.ContentType)
}

// RequestBytes starts a request for length bytes at offset. A length of -1 reads to the end of
// the resource. Bytes are produced lazily by the returned Request.
func (c *Coordinator) RequestBytes(ctx context.Context, offset, length int64) (*Request, error) {
	if offset < 0 || length < -1 {
		return nil, e.ErrInvalidRange
	}
	if c.isClosed() {
		return nil, e.ErrClosed
	}

	total := c.entry.Info().Length
	if length < 0 && total == s.UnknownLength {
		info, err := c.ContentInfo(ctx)
		if err != nil {
			return nil, err
		}
		total = info.Length
	}

	end := offset + length
	if length < 0 {
		if total == s.UnknownLength {
			return nil, fmt.Errorf("%w: open range on a resource of unknown length", e.ErrInvalidRange)
		}
		end = total
	}
	if total != s.UnknownLength {
		if offset > total || (offset == total && length != 0) {
			return nil, fmt.Errorf("%w: offset %d past length %d", e.ErrInvalidRange, offset, total)
		}
		if end > total {
			end = total
		}
	}

	r := s.Range{Start: offset, End: end}
	cls, err := c.entry.Index().Classify(r)
	if err != nil {
		return nil, err
	}
	metrics.Classifications.WithLabelValues(cls.Kind.String()).Inc()
	log.Debug().Str("url", c.url).Str("range", r.String()).Str("result", cls.Kind.String()).Int("gaps", len(cls.Gaps)).Msg("Classified request")

	return newRequest(ctx, c, r), nil
}

// CachedPercent is the share of the resource held in the cache, 0 while the length is unknown.
func (c *Coordinator) CachedPercent() float64 {
	length := c.entry.Info().Length
	if length <= 0 {
		return 0
	}
	return float64(c.entry.Index().CoveredBytes()) * 100 / float64(length)
}

// Complete reports whether the whole resource is cached.
func (c *Coordinator) Complete() bool { return c.entry.Complete() }

// FetchState is a snapshot of one running fetch.
type FetchState struct {
	ID        string
	Range     s.Range
	Written   int64
	Listeners int
}

func (c *Coordinator) Fetches() []FetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FetchState, 0, len(c.fetches))
	for _, f := range c.fetches {
		out = append(out, FetchState{ID: f.ID, Range: f.span(), Written: f.written.Load(), Listeners: f.listeners})
	}
	return out
}

// Close cancels every fetch, fails waiting requests with e.ErrClosed and closes the entry once
// the fetch goroutines are gone.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, f := range c.fetches {
		c.cancelFetchLocked(f)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	c.wg.Wait()
	return c.entry.Close()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// activeFetchAtLocked returns the live fetch that will write pos, if any.
func (c *Coordinator) activeFetchAtLocked(pos int64) *InFlightFetch {
	for _, f := range c.fetches {
		if !f.cancelled && !f.done && f.Range.Contains(pos) {
			return f
		}
	}
	return nil
}

// abandonedFetchAtLocked reports a cancelled fetch for pos that has not exited yet. It still
// owns its bytes until it does.
func (c *Coordinator) abandonedFetchAtLocked(pos int64) bool {
	for _, f := range c.fetches {
		if f.cancelled && !f.done && f.Range.Contains(pos) {
			return true
		}
	}
	return false
}

// startFetchLocked starts a fetch for the gap at pos. The fetch covers at least [pos, reqEnd)
// up to the next cached byte or the next fetch, plus read ahead.
func (c *Coordinator) startFetchLocked(pos, reqEnd int64) *InFlightFetch {
	end := reqEnd
	switch {
	case c.readAhead < 0:
		end = openEnd
	case c.readAhead > 0 && end < openEnd-c.readAhead:
		end += c.readAhead
	}
	if length := c.entry.Info().Length; length != s.UnknownLength && end > length {
		end = length
	}
	if next, ok := c.entry.Index().NextCovered(pos); ok && next < end {
		end = next
	}
	for _, other := range c.fetches {
		if other.Range.Start > pos && other.Range.Start < end {
			end = other.Range.Start
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &InFlightFetch{
		ID:      uuid.NewString(),
		Range:   s.Range{Start: pos, End: end},
		written: atomic.NewInt64(0),
		cancel:  cancel,
	}
	c.fetches[f.ID] = f

	c.wg.Add(1)
	go c.run(ctx, f)
	return f
}

// cancelFetchLocked stops f. It stays registered until its goroutine exits.
func (c *Coordinator) cancelFetchLocked(f *InFlightFetch) {
	if f.cancelled || f.done {
		return
	}
	f.cancelled = true
	if f.linger != nil {
		f.linger.Stop()
		f.linger = nil
	}
	f.cancel()
	log.Debug().Str("url", c.url).Str("fetch", f.ID).Str("range", f.span().String()).Msg("Cancelled fetch")
}

// abandonLocked is called when the last listener of f cancelled.
func (c *Coordinator) abandonLocked(f *InFlightFetch) {
	if f.done || f.cancelled || f.linger != nil {
		return
	}
	if c.linger < 0 {
		c.cancelFetchLocked(f)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.linger, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A listener came and went since this timer was armed
		if f.linger != timer {
			return
		}
		f.linger = nil
		if f.listeners == 0 {
			c.cancelFetchLocked(f)
		}
	})
	f.linger = timer
}
