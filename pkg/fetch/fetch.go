// Package fetch performs single origin fetches of a byte range with a progress timeout.
//
// Each URL scheme is served by an Origin: plain HTTP(S), S3 objects (s3://bucket/key) and Azure
// blobs (azblob://account/container/blob). The Fetcher wraps whatever the origin returns in a
// Stream that enforces the timeout, skips bytes the origin sent before the requested offset and
// reports a connection that ended early as e.ErrShortRead instead of truncating silently.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
	"go.uber.org/atomic"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultChunkSize = 64 * 1024
	// probeLength is the smallest range that makes servers answer with a Content-Range total.
	probeLength = 2
	// DefaultContentType is recorded when the origin does not name one.
	DefaultContentType = "application/octet-stream"
)

// Request describes one origin fetch. Length -1 reads to the end of the resource.
type Request struct {
	URL     string
	Offset  int64
	Length  int64
	Header  http.Header
	Timeout time.Duration
}

// Range is the interval the request asks for; End is -1 for a read to the end.
func (r Request) Range() s.Range {
	if r.Length < 0 {
		return s.Range{Start: r.Offset, End: s.UnknownLength}
	}
	return s.Range{Start: r.Offset, End: r.Offset + r.Length}
}

// Response is what an Origin produced for a Request before any body byte was read.
type Response struct {
	Body io.ReadCloser
	// Offset of the first body byte. Origins that ignore ranges answer from 0.
	Offset      int64
	Total       int64
	ContentType string
}

type Origin interface {
	Open(ctx context.Context, req Request) (*Response, error)
}

type Config struct {
	Client    *http.Client
	UserAgent string
	ChunkSize int
	S3        S3Config
	// AzureConnectionString authenticates azblob:// fetches. Empty means anonymous access.
	AzureConnectionString string
}

type Fetcher struct {
	chunkSize int
	cfg       Config

	mu      sync.Mutex
	origins map[string]Origin
}

func New(cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "media-cache-server/1.0"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	httpOrigin := &HTTPOrigin{Client: cfg.Client, UserAgent: cfg.UserAgent}
	return &Fetcher{
		chunkSize: cfg.ChunkSize,
		cfg:       cfg,
		origins: map[string]Origin{
			"http":  httpOrigin,
			"https": httpOrigin,
		},
	}
}

// Register serves scheme with o, replacing any built-in origin.
func (f *Fetcher) Register(scheme string, o Origin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.origins[strings.ToLower(scheme)] = o
}

// GetOrigin returns the origin for the scheme of rawURL, creating cloud origins on first use.
func (f *Fetcher) GetOrigin(rawURL string) (Origin, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", e.ErrUnreachable, err.Error())
	}
	scheme := strings.ToLower(u.Scheme)

	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.origins[scheme]; ok {
		return o, nil
	}

	var o Origin
	switch scheme {
	case "s3":
		o, err = NewS3Origin(f.cfg.S3)
	case "azblob":
		o, err = NewAzureOrigin(f.cfg.AzureConnectionString)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", e.ErrUnreachable, u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	f.origins[scheme] = o
	return o, nil
}

// Fetch opens a stream for req. It returns once the origin answered; a connection or response
// header that does not arrive within req.Timeout fails with e.ErrTimeout.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Stream, error) {
	if req.Offset < 0 || req.Length == 0 {
		return nil, e.ErrInvalidRange
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	origin, err := f.GetOrigin(req.URL)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	st := &Stream{
		req:      req,
		parent:   ctx,
		cancel:   cancel,
		buf:      make([]byte, f.chunkSize),
		timedOut: atomic.NewBool(false),
	}
	st.watchdog = time.AfterFunc(req.Timeout, st.expire)

	resp, err := origin.Open(fetchCtx, req)
	st.watchdog.Stop()
	if err != nil {
		cancel()
		return nil, st.classify(err, e.ErrUnreachable)
	}
	if err = st.start(resp); err != nil {
		_ = st.Close()
		return nil, err
	}

	log.Debug().Str("url", req.URL).Str("range", req.Range().String()).Int64("total", st.Info.Length).Msg("Origin fetch started")
	return st, nil
}

// Probe fetches the first bytes of the resource to learn its length and type. The bytes are
// read and dropped.
func (f *Fetcher) Probe(ctx context.Context, req Request) (s.ContentInfo, error) {
	req.Offset = 0
	req.Length = probeLength
	st, err := f.Fetch(ctx, req)
	if err != nil {
		return s.ContentInfo{}, err
	}
	defer st.Close()

	for {
		_, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.ContentInfo{}, err
		}
	}

	info := st.Info
	if info.ContentType == "" {
		info.ContentType = DefaultContentType
	}
	return info, nil
}
