package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	p "path/filepath"
	"strings"

	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
)

const suffix = ".meta.json"

// Backend keeps one JSON sidecar file per resource next to the byte storage.
type Backend struct {
	BaseDir string
}

func New(connectionString string) (*Backend, error) {
	if connectionString == "" {
		return nil, errors.New("metadata directory required")
	}
	if err := os.MkdirAll(connectionString, 0o755); err != nil {
		return nil, err
	}
	return &Backend{BaseDir: connectionString}, nil
}

func (b *Backend) Type() string { return "json" }

func (b *Backend) Load(key string) (s.Metadata, error) {
	filePath, err := b.path(key)
	if err != nil {
		return s.Metadata{}, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.Metadata{}, e.ErrNotFound
		}
		return s.Metadata{}, err
	}

	meta := s.Metadata{}
	if err = json.Unmarshal(data, &meta); err != nil {
		return s.Metadata{}, fmt.Errorf("%w: %s", e.ErrCorruptCache, err.Error())
	}
	if meta.Ranges == nil {
		meta.Ranges = make([]s.Range, 0)
	}
	return meta, nil
}

// Save writes through a temp file and rename so a crash never leaves a half written record.
func (b *Backend) Save(key string, meta s.Metadata) error {
	filePath, err := b.path(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	fp, err := os.CreateTemp(b.BaseDir, ".meta-*")
	if err != nil {
		return err
	}
	tempName := fp.Name()

	_, err = fp.Write(data)
	if err == nil {
		err = fp.Sync()
	}
	closeErr := fp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempName)
		return err
	}

	if err = os.Rename(tempName, filePath); err != nil {
		_ = os.Remove(tempName)
		return err
	}
	return nil
}

func (b *Backend) Delete(key string) error {
	filePath, err := b.path(key)
	if err != nil {
		return err
	}
	if err = os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", e.ErrNotFound
	}
	return p.Join(b.BaseDir, key+suffix), nil
}
