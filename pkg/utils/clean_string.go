package utils

import (
	"net/http"
	"strings"
)

func CleanStringSlice(parts []string) []string {
	result := make([]string, 0)
	for _, item := range parts {
		if cleaned := strings.Trim(item, " "); cleaned != "" {
			result = append(result, cleaned)
		}
	}
	return result
}

// ParseHeaders turns "Name: value" lines into a header, skipping blanks. Repeated names add
// values.
func ParseHeaders(lines []string) (http.Header, error) {
	header := http.Header{}
	for _, line := range CleanStringSlice(lines) {
		name, value, found := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, ErrHeader
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}
