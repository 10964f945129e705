package filestorage

import (
	"io"
	"os"
	"path"
	"path/filepath"
)

type FileSystem struct {
	RootDir string
}

func NewFileSystem(rootdir string) *FileSystem {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil
	}
	return &FileSystem{RootDir: rootdir}
}

// StoreFile copies a file to the filesystem storage. Metadata are ignored
// since plain files can't hold them.
//
// The copy is written next to its destination and renamed into place, so
// a partially copied file is never visible under destpath.
func (fs FileSystem) StoreFile(srcpath string, destpath string, metadata map[string]string) error {
	fulldestpath := path.Join(fs.RootDir, destpath)
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return err
	}

	fsrc, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer fsrc.Close()

	tmppath := fulldestpath + ".part"
	fdest, err := os.Create(tmppath)
	if err != nil {
		return err
	}

	_, err = io.Copy(fdest, fsrc)
	if err == nil {
		err = fdest.Sync()
	}
	if cerr := fdest.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmppath)
		return err
	}

	return os.Rename(tmppath, fulldestpath)
}

// DeleteFile removes a file from the filesystem storage
func (fs FileSystem) DeleteFile(filepath string) error {
	abspath := path.Join(fs.RootDir, filepath)
	err := os.Remove(abspath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists returns true if the file exists, false otherwise
func (fs FileSystem) FileExists(filepath string) bool {
	abspath := path.Join(fs.RootDir, filepath)
	_, err := os.Stat(abspath)
	return err == nil
}
