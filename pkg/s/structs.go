package s

import (
	"fmt"
	"io"
	"time"
)

// UnknownLength marks a resource whose total size has not been reported by the origin yet.
const UnknownLength int64 = -1

// Range is a half open byte interval [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Empty() bool { return r.End <= r.Start }

func (r Range) Contains(offset int64) bool { return offset >= r.Start && offset < r.End }

// ContainsRange reports whether o lies entirely within r.
func (r Range) ContainsRange(o Range) bool { return o.Start >= r.Start && o.End <= r.End }

func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

// Intersect returns the overlap of r and o, which may be empty.
func (r Range) Intersect(o Range) Range {
	out := Range{Start: r.Start, End: r.End}
	if o.Start > out.Start {
		out.Start = o.Start
	}
	if o.End < out.End {
		out.End = o.End
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

type ContentInfo struct {
	Length      int64  `json:"length"`
	ContentType string `json:"contentType"`
}

// Known reports whether both the length and the content type have been captured.
func (c ContentInfo) Known() bool {
	return c.Length != UnknownLength && c.ContentType != ""
}

// Metadata is the persisted record kept next to the bytes of one cached resource.
type Metadata struct {
	URL         string    `json:"url"`
	Length      int64     `json:"length"`
	ContentType string    `json:"contentType"`
	Ranges      []Range   `json:"ranges"`
	UpdatedAt   time.Time `json:"updatedAt"` // 2021-11-02T23:02:58.89Z
}

func NewMetadata(url string) Metadata {
	return Metadata{URL: url, Length: UnknownLength, Ranges: make([]Range, 0)}
}

// Status is what the proxy reports for /status lookups.
type Status struct {
	URL           string  `json:"url"`
	FileName      string  `json:"fileName"`
	FilePath      string  `json:"filePath"`
	Cached        bool    `json:"cached"`
	CachedPercent float64 `json:"cachedPercent"`
	// ProxyURL is where a player can stream the resource through this server.
	ProxyURL string `json:"proxyUrl,omitempty"`
}

// CacheFile is the random access byte store of one resource. Writes become durable on Sync.
type CacheFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
	Close() error
}
