package utils

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseContentRange(t *testing.T) {
	tables := []struct {
		name           string
		headerValue    string
		expectedResult ContentRange
		expectErr      bool
	}{
		{"handles satisfiable range", "bytes 0-20/30", ContentRange{"bytes", 0, 20, 30}, false},
		{"handles range without size", "bytes 10-20/*", ContentRange{"bytes", 10, 20, -1}, false},
		{"handles unsatisfiable range", "bytes */30", ContentRange{"bytes", -1, -1, 30}, false},
		{"handles large media", "bytes 0-1/5368709120", ContentRange{"bytes", 0, 1, 5368709120}, false},
		{"returns null for invalid cases 1", "invalid", ContentRange{"", -1, -1, -1}, true},
		{"returns null for invalid cases 2", "bytes */*", ContentRange{"", -1, -1, -1}, true},
	}

	for _, table := range tables {
		t.Run(table.name, func(t *testing.T) {
			result, err := ParseContentRange(table.headerValue)
			if table.expectErr && err == nil {
				t.Errorf("Expected error, got nil")
			} else if !table.expectErr && err != nil {
				t.Errorf("Expected no error, got %#v", err)
			}

			if table.expectErr {
				return
			}

			if diff := cmp.Diff(table.expectedResult, result); diff != "" {
				t.Errorf("TestParseContentRange() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatContentRange(t *testing.T) {
	if diff := cmp.Diff("bytes 250-749/1000", FormatContentRange(250, 750, 1000)); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff("bytes 0-9/*", FormatContentRange(0, 10, -1)); diff != "" {
		t.Fatal(diff)
	}
}

func TestParseRange(t *testing.T) {
	tables := []struct {
		name        string
		headerValue string
		size        int64
		offset      int64
		length      int64
		expectErr   error
	}{
		{"closed range", "bytes=0-499", 1000, 0, 500, nil},
		{"closed range past end is clipped", "bytes=900-1999", 1000, 900, 100, nil},
		{"open range", "bytes=250-", 1000, 250, 750, nil},
		{"open range unknown size", "bytes=250-", -1, 250, -1, nil},
		{"suffix range", "bytes=-100", 1000, 900, 100, nil},
		{"suffix larger than resource", "bytes=-5000", 1000, 0, 1000, nil},
		{"start past end", "bytes=1000-", 1000, 0, 0, ErrRange},
		{"suffix with unknown size", "bytes=-100", -1, 0, 0, ErrRange},
		{"wrong unit", "items=0-1", 1000, 0, 0, ErrRange},
		{"inverted", "bytes=10-5", 1000, 0, 0, ErrRange},
		{"multiple ranges", "bytes=0-1,5-6", 1000, 0, 0, ErrMultiRange},
	}

	for _, table := range tables {
		t.Run(table.name, func(t *testing.T) {
			br, err := ParseRange(table.headerValue)
			var offset, length int64
			if err == nil {
				offset, length, err = br.Resolve(table.size)
			}
			if table.expectErr != nil {
				if !errors.Is(err, table.expectErr) {
					t.Fatalf("Expected %v, got %v", table.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if diff := cmp.Diff([]int64{table.offset, table.length}, []int64{offset, length}); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	header, err := ParseHeaders([]string{"X-Api-Key: abc", " ", "Cookie: a=b; c=d", "X-Api-Key:def"})
	if err != nil {
		t.Fatal(err)
	}
	want := http.Header{
		"X-Api-Key": {"abc", "def"},
		"Cookie":    {"a=b; c=d"},
	}
	if diff := cmp.Diff(want, header); diff != "" {
		t.Fatal(diff)
	}

	if _, err = ParseHeaders([]string{"no colon here"}); !errors.Is(err, ErrHeader) {
		t.Fatalf("Expected ErrHeader, got %v", err)
	}
}
