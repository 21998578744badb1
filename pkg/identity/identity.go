// Package identity derives the stable cache identity of a remote media resource from its URL.
// Everything here is a pure function of its arguments.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	p "path"
	"path/filepath"
	"strings"
)

// maxExtLen keeps odd URL paths from producing long junk suffixes.
const maxExtLen = 8

type Identity struct {
	Key      string // hex sha256 of the normalised URL
	FileName string // Key plus the media extension, if any
}

// Normalize lowercases scheme and host and drops the fragment, so trivially different spellings
// of one resource share a cache entry. Unparseable input is returned untouched.
func Normalize(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func Derive(rawURL string) Identity {
	normalized := Normalize(rawURL)
	sum := sha256.Sum256([]byte(normalized))
	key := hex.EncodeToString(sum[:])
	return Identity{Key: key, FileName: key + extension(normalized)}
}

func FileName(rawURL string) string {
	return Derive(rawURL).FileName
}

// FilePath is where the bytes of rawURL live under the cache root.
func FilePath(root, rawURL string) string {
	return filepath.Join(root, FileName(rawURL))
}

func extension(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(p.Ext(u.Path))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}
