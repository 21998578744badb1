package coordinator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/delegate"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/fetch"
	"github.com/terrycain/media-cache-server/pkg/metrics"
	"github.com/terrycain/media-cache-server/pkg/s"
	"go.uber.org/atomic"
)

// InFlightFetch is one running origin fetch. It owns the right to write every uncached byte of
// Range until it is done, and it writes them in offset order.
type InFlightFetch struct {
	ID    string
	Range s.Range

	written *atomic.Int64
	cancel  context.CancelFunc

	// guarded by Coordinator.mu
	listeners int
	cancelled bool
	done      bool
	err       error
	linger    *time.Timer
}

// span is Range with an open end reported as unknown.
func (f *InFlightFetch) span() s.Range {
	if f.Range.End == openEnd {
		return s.Range{Start: f.Range.Start, End: s.UnknownLength}
	}
	return f.Range
}

func (f *InFlightFetch) request(url string) fetch.Request {
	length := int64(-1)
	if f.Range.End != openEnd {
		length = f.Range.Len()
	}
	return fetch.Request{URL: url, Offset: f.Range.Start, Length: length}
}

func (c *Coordinator) run(ctx context.Context, f *InFlightFetch) {
	defer c.wg.Done()
	metrics.FetchesInFlight.Inc()
	defer metrics.FetchesInFlight.Dec()

	start := time.Now()
	log.Debug().Str("url", c.url).Str("fetch", f.ID).Str("range", f.span().String()).Msg("Starting fetch")

	err := c.transfer(ctx, f)
	if err != nil && ctx.Err() != nil {
		err = e.ErrCancelled
	}
	if flushErr := c.entry.Flush(); flushErr != nil {
		log.Warn().Err(flushErr).Str("url", c.url).Msg("Failed to persist range index")
	}

	duration := time.Since(start)
	written := f.written.Load()
	// Reported before the fetch leaves the map, so whoever sees it gone also sees the outcome
	c.bridge.Completed(c.url, f.span(), delegate.Outcome{Bytes: written, Duration: duration, Err: err})
	metrics.Fetches.WithLabelValues(e.Kind(err)).Inc()
	metrics.FetchDuration.Observe(duration.Seconds())

	c.mu.Lock()
	f.done = true
	f.err = err
	if f.linger != nil {
		f.linger.Stop()
		f.linger = nil
	}
	delete(c.fetches, f.ID)
	c.cond.Broadcast()
	c.mu.Unlock()
	f.cancel()

	switch {
	case err == nil:
		log.Debug().Str("url", c.url).Str("fetch", f.ID).Int64("bytes", written).Dur("duration", duration).Msg("Fetch finished")
	case errors.Is(err, e.ErrCancelled):
		log.Debug().Str("url", c.url).Str("fetch", f.ID).Int64("bytes", written).Msg("Fetch cancelled")
	default:
		log.Warn().Err(err).Str("url", c.url).Str("fetch", f.ID).Str("range", f.span().String()).Int64("bytes", written).Msg("Fetch failed")
	}
}

// transfer streams the fetch into the store, waking listeners after every durable chunk.
func (c *Coordinator) transfer(ctx context.Context, f *InFlightFetch) error {
	header, err := c.bridge.Authorize(ctx, c.url, f.span())
	if err != nil {
		return err
	}

	req := f.request(c.url)
	req.Header = delegate.MergeHeader(c.header, header)
	req.Timeout = c.timeout

	st, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer st.Close()

	if err = c.applyInfo(st.Info); err != nil {
		return err
	}

	for {
		chunk, err := st.Next()
		if errors.Is(err, io.EOF) {
			// A read to the end learns the length only here
			return c.applyInfo(st.Info)
		}
		if err != nil {
			return err
		}

		offset := st.Position() - int64(len(chunk))
		if err = c.entry.Write(offset, chunk); err != nil {
			return err
		}
		f.written.Add(int64(len(chunk)))
		metrics.FetchedBytes.Add(float64(len(chunk)))
		c.notify()
	}
}
