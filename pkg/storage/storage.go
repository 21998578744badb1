package storage

import (
	"errors"

	"github.com/terrycain/media-cache-server/pkg/s"
	"github.com/terrycain/media-cache-server/pkg/storage/disk"
)

type Backend interface {
	Setup() error
	Type() string
	Open(fileName string) (s.CacheFile, error)
	Delete(fileName string) error
	GetFilePath(fileName string) (string, error)
}

func GetStorageBackend(backend, connectionString string) (Backend, error) {
	var b Backend
	var err error

	switch backend {
	case "disk":
		b, err = disk.New(connectionString)
	default:
		return nil, errors.New("invalid storage backend")
	}

	if err != nil {
		return nil, err
	}

	if err := b.Setup(); err != nil {
		return nil, err
	}

	return b, nil
}
