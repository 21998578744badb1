package disk

import (
	"errors"
	"io/fs"
	"os"
	p "path/filepath"
	"strings"

	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/s"
)

type Backend struct {
	BaseDir string
}

func New(connectionString string) (*Backend, error) {
	if connectionString == "" {
		return nil, errors.New("cache directory required")
	}
	abs, err := p.Abs(connectionString)
	if err != nil {
		return nil, err
	}

	backend := Backend{BaseDir: abs}
	return &backend, nil
}

func (b *Backend) Setup() error {
	return os.MkdirAll(b.BaseDir, 0o755)
}

func (b *Backend) Type() string {
	return "disk"
}

// Open returns the byte file for fileName, creating an empty one if needed.
func (b *Backend) Open(fileName string) (s.CacheFile, error) {
	filePath, err := b.GetFilePath(fileName)
	if err != nil {
		return nil, err
	}

	fp, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{fp}, nil
}

func (b *Backend) Delete(fileName string) error {
	filePath, err := b.GetFilePath(fileName)
	if err != nil {
		return err
	}
	if err = os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *Backend) GetFilePath(fileName string) (string, error) {
	filePath := p.Clean(p.Join(b.BaseDir, fileName))
	if fileName == "" || !strings.HasPrefix(filePath, b.BaseDir+string(p.Separator)) {
		return "", e.ErrNotFound
	}

	return filePath, nil
}

// File is a sparse file on local disk; unwritten regions read back as zeros and are only ever
// served once the range index says they were written.
type File struct {
	*os.File
}

func (f *File) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
