package filestorage

import (
	"errors"
	"fmt"
)

// FileStorage is an interface for implementing file storage backends
// to archive extracted files. Stored files are copies; the source is left
// in place.
type FileStorage interface {
	StoreFile(srcpath string, destpath string, metadata map[string]string) error
	DeleteFile(filepath string) error
	FileExists(filepath string) bool
}

// New returns the FileStorage described by cfg, or nil if cfg is empty.
//
// cfg["type"] selects the backend: "filesystem" needs "rootdir", "s3"
// needs "region" and "bucket".
func New(cfg map[string]string) (FileStorage, error) {
	if len(cfg) == 0 {
		return nil, nil
	}

	switch cfg["type"] {
	case "filesystem":
		if cfg["rootdir"] == "" {
			return nil, errors.New("filesystem storage needs a rootdir")
		}
		fs := NewFileSystem(cfg["rootdir"])
		if fs == nil {
			return nil, fmt.Errorf("Could not create %s", cfg["rootdir"])
		}
		return fs, nil
	case "s3":
		if cfg["region"] == "" || cfg["bucket"] == "" {
			return nil, errors.New("s3 storage needs a region and a bucket")
		}
		s3 := NewAWSS3(cfg["region"], cfg["bucket"])
		if s3 == nil {
			return nil, errors.New("Could not create AWS session")
		}
		return s3, nil
	}

	return nil, fmt.Errorf("Unknown file storage type %q", cfg["type"])
}
