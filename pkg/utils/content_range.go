package utils

// ParseContentRange looted from https://github.com/gregberge/content-range, all credit for the tests goes to @gregberge

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ContentRange is a parsed Content-Range header. End is inclusive, -1 marks an unknown field.
type ContentRange struct {
	Unit  string
	Start int64
	End   int64
	Size  int64
}

var (
	contentRangeRegex = regexp.MustCompile(`(?m)(\w+) ((\d+)-(\d+)|\*)/(\d+|\*)`)
	ErrContentRange   = errors.New("invalid content-range header")
	ErrRange          = errors.New("invalid range header")
	ErrMultiRange     = errors.New("multiple ranges are not supported")
	ErrHeader         = errors.New("header must look like Name: value")
)

func ParseContentRange(value string) (ContentRange, error) {
	result := ContentRange{}

	parts := contentRangeRegex.FindStringSubmatch(value)
	if parts == nil {
		return ContentRange{}, ErrContentRange
	}
	if len(parts) != 6 { // Should never satisfy this but I'm paranoid
		log.Error().Msg("Failed to parse Content-Range header, parts regexed is not 6")
		return ContentRange{}, ErrContentRange
	}

	result.Unit = parts[1]
	result.Start = parseOrUnknown(parts[3])
	result.End = parseOrUnknown(parts[4])
	result.Size = parseOrUnknown(parts[5])

	if result.Size == -1 && result.Start == -1 && result.End == -1 {
		return ContentRange{}, ErrContentRange
	}

	return result, nil
}

func parseOrUnknown(value string) int64 {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// FormatContentRange renders "bytes start-end/size" for the half open [start, end).
func FormatContentRange(start, end, size int64) string {
	total := "*"
	if size >= 0 {
		total = strconv.FormatInt(size, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", start, end-1, total)
}

// ByteRange is a parsed Range request header. Suffix ranges ("-500") set Suffix and leave
// Start and End at -1, open ranges ("100-") leave End at -1. End is inclusive.
type ByteRange struct {
	Start  int64
	End    int64
	Suffix int64
}

// ParseRange parses a single bytes range from a Range request header.
func ParseRange(value string) (ByteRange, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes=") {
		return ByteRange{}, ErrRange
	}
	spec := strings.TrimSpace(strings.TrimPrefix(value, "bytes="))
	if strings.Contains(spec, ",") {
		return ByteRange{}, ErrMultiRange
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return ByteRange{}, ErrRange
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return ByteRange{}, ErrRange
		}
		return ByteRange{Start: -1, End: -1, Suffix: suffix}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrRange
	}
	if endStr == "" {
		return ByteRange{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, ErrRange
	}
	return ByteRange{Start: start, End: end}, nil
}

// Resolve turns the header into an offset and byte count against a resource of the given size.
// A negative size means unknown: suffix ranges then fail and open ranges return length -1.
func (b ByteRange) Resolve(size int64) (offset, length int64, err error) {
	switch {
	case b.Suffix > 0:
		if size < 0 {
			return 0, 0, ErrRange
		}
		if b.Suffix > size {
			return 0, size, nil
		}
		return size - b.Suffix, b.Suffix, nil
	case size >= 0 && b.Start >= size:
		return 0, 0, ErrRange
	case b.End < 0:
		if size < 0 {
			return b.Start, -1, nil
		}
		return b.Start, size - b.Start, nil
	default:
		end := b.End + 1
		if size >= 0 && end > size {
			end = size
		}
		return b.Start, end - b.Start, nil
	}
}
