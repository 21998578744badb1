package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/utils"
)

// HTTPOrigin fetches http and https URLs with a Range header.
type HTTPOrigin struct {
	Client    *http.Client
	UserAgent string
}

func (o *HTTPOrigin) Open(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", o.UserAgent)
	}
	httpReq.Header.Set("Range", rangeHeader(req))
	// Compressed bodies would break byte offsets
	httpReq.Header.Set("Accept-Encoding", "identity")

	res, err := o.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	switch {
	case res.StatusCode == http.StatusPartialContent:
		cr, err := utils.ParseContentRange(res.Header.Get("Content-Range"))
		if err != nil || cr.Start < 0 {
			_ = res.Body.Close()
			return nil, fmt.Errorf("%w: bad Content-Range %q", e.ErrInconsistentResource, res.Header.Get("Content-Range"))
		}
		return &Response{
			Body:        res.Body,
			Offset:      cr.Start,
			Total:       cr.Size,
			ContentType: res.Header.Get("Content-Type"),
		}, nil
	case res.StatusCode == http.StatusOK:
		log.Debug().Str("url", req.URL).Msg("Origin ignored Range header, reading from start")
		return &Response{
			Body:        res.Body,
			Offset:      0,
			Total:       res.ContentLength,
			ContentType: res.Header.Get("Content-Type"),
		}, nil
	default:
		// Drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, res.Body, 4096)
		_ = res.Body.Close()
		return nil, &e.HTTPError{StatusCode: res.StatusCode, URL: req.URL}
	}
}

func rangeHeader(req Request) string {
	if req.Length < 0 {
		return "bytes=" + strconv.FormatInt(req.Offset, 10) + "-"
	}
	return fmt.Sprintf("bytes=%d-%d", req.Offset, req.Offset+req.Length-1)
}
