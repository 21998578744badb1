package coordinator

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/metrics"
	"github.com/terrycain/media-cache-server/pkg/s"
)

// Request is one byte range request. Bytes come out of Next, or Read, in strictly increasing
// offset order. A Request has a single consumer; Cancel may be called from anywhere.
type Request struct {
	ID    string
	Range s.Range

	c      *Coordinator
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	done   chan struct{}

	// pos is only touched by the consumer
	pos     int64
	pending []byte

	// guarded by Coordinator.mu
	end      int64
	attached *InFlightFetch
	err      error
}

func newRequest(parent context.Context, c *Coordinator, r s.Range) *Request {
	ctx, cancel := context.WithCancel(parent)
	req := &Request{
		ID:     uuid.NewString(),
		Range:  r,
		c:      c,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		pos:    r.Start,
		end:    r.End,
	}
	// An already cancelled ctx runs the callback at once, holding mu keeps it from seeing stop unset
	c.mu.Lock()
	defer c.mu.Unlock()
	req.stop = context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		req.finishLocked(e.ErrCancelled)
		c.cond.Broadcast()
	})
	return req
}

// Done is closed once the request completed, failed or was cancelled.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err is nil while the request runs, io.EOF after full delivery, else the failure.
func (r *Request) Err() error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.err
}

// Cancel withdraws the request. It never waits for the network.
func (r *Request) Cancel() {
	r.cancel()
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.finishLocked(e.ErrCancelled)
	r.c.cond.Broadcast()
}

// Close cancels the request unless it already finished.
func (r *Request) Close() error {
	r.Cancel()
	return nil
}

// Next returns the next chunk of the range. It returns io.EOF once every byte was delivered.
func (r *Request) Next() ([]byte, error) {
	c := r.c
	c.mu.Lock()
	for {
		if r.err != nil {
			err := r.err
			c.mu.Unlock()
			return nil, err
		}
		if c.closed {
			r.finishLocked(e.ErrClosed)
			continue
		}
		if length := c.entry.Info().Length; length != s.UnknownLength && r.end > length {
			r.end = length
		}
		if r.pos >= r.end {
			r.finishLocked(io.EOF)
			continue
		}

		if coveredEnd := c.entry.Index().CoveredFrom(r.pos); coveredEnd > r.pos {
			chunk := s.Range{Start: r.pos, End: min(coveredEnd, r.end, r.pos+c.chunkSize)}
			source := "cache"
			if r.attached != nil && r.attached.Range.Contains(r.pos) {
				source = "network"
			}
			c.mu.Unlock()

			data, err := c.entry.Read(chunk)
			if err != nil {
				c.mu.Lock()
				r.finishLocked(err)
				continue
			}
			r.pos = chunk.End
			metrics.ServedBytes.WithLabelValues(source).Add(float64(len(data)))
			return data, nil
		}

		if f := c.activeFetchAtLocked(r.pos); f != nil {
			r.attachLocked(f)
			c.cond.Wait()
			continue
		}
		if c.abandonedFetchAtLocked(r.pos) {
			c.cond.Wait()
			continue
		}
		if f := r.attached; f != nil && f.done && f.Range.Contains(r.pos) {
			// The fetch meant to write pos is over and pos is still missing
			err := f.err
			if err == nil {
				err = e.ErrShortRead
			}
			r.finishLocked(err)
			continue
		}

		r.attachLocked(c.startFetchLocked(r.pos, r.end))
		c.cond.Wait()
	}
}

// Read implements io.Reader over Next.
func (r *Request) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		chunk, err := r.Next()
		if err != nil {
			return 0, err
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *Request) attachLocked(f *InFlightFetch) {
	if r.attached == f {
		return
	}
	r.detachLocked(false)
	r.attached = f
	f.listeners++
	if f.linger != nil {
		f.linger.Stop()
		f.linger = nil
	}
}

// detachLocked drops the listener. Only a cancelled listener can leave a fetch abandoned; one
// that got all its bytes lets the fetch finish its read ahead.
func (r *Request) detachLocked(cancelled bool) {
	f := r.attached
	if f == nil {
		return
	}
	r.attached = nil
	f.listeners--
	if f.listeners == 0 && cancelled {
		r.c.abandonLocked(f)
	}
}

func (r *Request) finishLocked(err error) {
	if r.err != nil {
		return
	}
	r.err = err
	r.detachLocked(errors.Is(err, e.ErrCancelled))
	if r.stop != nil {
		r.stop()
	}
	r.cancel()
	close(r.done)
}
