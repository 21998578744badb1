// Package delegate forwards fetch authorization and completion events to an external policy
// hook. The hook is optional: without one every fetch is allowed and nothing is notified.
package delegate

//go:generate mockgen -destination=mock_delegate/mock_delegate.go -package=mock_delegate github.com/terrycain/media-cache-server/pkg/delegate Delegate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
)

// Decision is the answer to AuthorizeFetch. Header is merged into the origin request.
type Decision struct {
	Allow  bool
	Header http.Header
}

func Allow(header http.Header) Decision { return Decision{Allow: true, Header: header} }

func Deny() Decision { return Decision{} }

// Outcome describes a finished fetch. Err is nil on success.
type Outcome struct {
	Bytes    int64
	Duration time.Duration
	Err      error
}

type Delegate interface {
	AuthorizeFetch(ctx context.Context, url string, r s.Range) (Decision, error)
	OnFetchCompleted(url string, r s.Range, outcome Outcome)
}

// Bridge holds a replaceable, possibly absent delegate. The bridge never owns it.
type Bridge struct {
	mu       sync.RWMutex
	delegate Delegate
}

func NewBridge(d Delegate) *Bridge {
	return &Bridge{delegate: d}
}

// SetDelegate swaps the delegate; nil detaches it.
func (b *Bridge) SetDelegate(d Delegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delegate = d
}

func (b *Bridge) current() Delegate {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.delegate
}

// Authorize asks the delegate about a fetch of r. A denial, or a delegate that fails to decide,
// is e.ErrUnauthorized.
func (b *Bridge) Authorize(ctx context.Context, url string, r s.Range) (http.Header, error) {
	d := b.current()
	if d == nil {
		return nil, nil
	}
	decision, err := d.AuthorizeFetch(ctx, url, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", e.ErrUnauthorized, err.Error())
	}
	if !decision.Allow {
		log.Info().Str("url", url).Str("range", r.String()).Msg("Delegate denied fetch")
		return nil, fmt.Errorf("%w: %s %s", e.ErrUnauthorized, url, r)
	}
	return decision.Header, nil
}

func (b *Bridge) Completed(url string, r s.Range, outcome Outcome) {
	if d := b.current(); d != nil {
		d.OnFetchCompleted(url, r, outcome)
	}
}

// MergeHeader returns base with every value of extra set on top. Neither argument is modified.
func MergeHeader(base, extra http.Header) http.Header {
	out := base.Clone()
	if out == nil {
		out = http.Header{}
	}
	for name, values := range extra {
		out.Del(name)
		for _, value := range values {
			out.Add(name, value)
		}
	}
	return out
}
