package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
	"go.uber.org/atomic"
)

// Stream is the lazy body of one origin fetch. It is not safe for concurrent use.
type Stream struct {
	// Info is what the origin reported. Length stays -1 when the origin did not say, until a
	// read to the end of the resource reaches EOF.
	Info s.ContentInfo

	req      Request
	parent   context.Context
	cancel   context.CancelFunc
	watchdog *time.Timer
	timedOut *atomic.Bool

	body io.ReadCloser
	buf  []byte

	pos      int64
	skip     int64
	expected int64 // bytes still owed, -1 when unbounded
	readErr  error
	err      error
}

func (st *Stream) start(resp *Response) error {
	st.body = resp.Body
	st.Info = s.ContentInfo{Length: resp.Total, ContentType: resp.ContentType}
	if st.Info.Length < 0 {
		st.Info.Length = s.UnknownLength
	}

	if resp.Offset > st.req.Offset {
		return fmt.Errorf("%w: asked for offset %d, origin answered from %d", e.ErrInconsistentResource, st.req.Offset, resp.Offset)
	}
	if st.Info.Length != s.UnknownLength && st.req.Offset >= st.Info.Length {
		return fmt.Errorf("%w: offset %d past length %d", e.ErrInvalidRange, st.req.Offset, st.Info.Length)
	}

	st.skip = st.req.Offset - resp.Offset
	st.pos = st.req.Offset
	st.expected = st.req.Length
	if st.Info.Length != s.UnknownLength {
		available := st.Info.Length - st.req.Offset
		if st.expected < 0 || st.expected > available {
			st.expected = available
		}
	}
	return nil
}

// Position is the offset of the next byte Next will return.
func (st *Stream) Position() int64 { return st.pos }

// Next returns the next chunk, valid until the following call. The end of the requested range
// is io.EOF; an origin that stops early yields e.ErrShortRead.
func (st *Stream) Next() ([]byte, error) {
	if st.err != nil {
		return nil, st.err
	}
	if st.expected == 0 {
		st.err = io.EOF
		return nil, st.err
	}

	for st.skip > 0 {
		want := int64(len(st.buf))
		if st.skip < want {
			want = st.skip
		}
		n, err := st.read(st.buf[:want])
		st.skip -= int64(n)
		if err != nil {
			st.err = st.bodyError(err)
			return nil, st.err
		}
	}

	if st.readErr != nil {
		st.err = st.bodyError(st.readErr)
		return nil, st.err
	}

	want := int64(len(st.buf))
	if st.expected > 0 && st.expected < want {
		want = st.expected
	}
	n, err := st.read(st.buf[:want])
	if n > 0 {
		st.pos += int64(n)
		if st.expected > 0 {
			st.expected -= int64(n)
		}
		st.readErr = err
		return st.buf[:n], nil
	}
	if err == nil {
		// io.Reader may return 0, nil; treat it as no progress and try again
		return st.Next()
	}
	st.err = st.bodyError(err)
	return nil, st.err
}

func (st *Stream) read(p []byte) (int, error) {
	st.watchdog.Reset(st.req.Timeout)
	n, err := st.body.Read(p)
	st.watchdog.Stop()
	return n, err
}

// bodyError turns a body read failure into the taxonomy. A clean EOF is only clean when nothing
// more was owed.
func (st *Stream) bodyError(err error) error {
	if errors.Is(err, io.EOF) {
		if st.expected < 0 && st.skip == 0 {
			if st.req.Length < 0 && st.Info.Length == s.UnknownLength {
				st.Info.Length = st.pos
			}
			return io.EOF
		}
		return fmt.Errorf("%w: %s ended at offset %d", e.ErrShortRead, st.req.URL, st.pos)
	}
	return st.classify(err, e.ErrShortRead)
}

func (st *Stream) classify(err error, fallback error) error {
	var httpErr *e.HTTPError
	switch {
	case st.timedOut.Load():
		return fmt.Errorf("%w: %s after %s", e.ErrTimeout, st.req.URL, st.req.Timeout)
	case st.parent.Err() != nil:
		return e.ErrCancelled
	case errors.As(err, &httpErr), errors.Is(err, e.ErrInvalidRange), errors.Is(err, e.ErrInconsistentResource):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", fallback, st.req.URL, err)
	}
}

func (st *Stream) expire() {
	st.timedOut.Store(true)
	st.cancel()
}

// Close aborts the fetch. Socket teardown happens in the background.
func (st *Stream) Close() error {
	st.watchdog.Stop()
	st.cancel()
	if st.body == nil {
		return nil
	}
	body := st.body
	st.body = nil
	go body.Close()
	if st.err == nil {
		st.err = e.ErrCancelled
	}
	return nil
}
