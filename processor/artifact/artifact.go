// Package artifact locates the files produced by the extraction tool in the
// output directory.
package artifact

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/skroutz/extractor/job"
)

// AudioExtensions are the extensions recognized as audio files when listing
// the output directory.
var AudioExtensions = []string{".wav", ".mp3", ".m4a", ".webm"}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// Latest returns the path of the most recently modified file in dir having
// extension ext. Ties are broken by name, the lexicographically greatest
// wins. Only the top level of dir is scanned.
//
// If no such file exists, fallback is returned provided it names an
// existing regular file. An empty string means no artifact was found.
func Latest(dir, ext, fallback string) (string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}

	var latest os.FileInfo
	for _, fi := range entries {
		if !fi.Mode().IsRegular() || !strings.HasSuffix(fi.Name(), ext) {
			continue
		}
		if latest == nil || newer(fi, latest) {
			latest = fi
		}
	}
	if latest != nil {
		return filepath.Join(dir, latest.Name()), nil
	}

	if fallback != "" {
		if !filepath.IsAbs(fallback) {
			fallback = filepath.Join(dir, fallback)
		}
		if fi, err := os.Stat(fallback); err == nil && fi.Mode().IsRegular() {
			return fallback, nil
		}
	}

	return "", nil
}

func newer(a, b os.FileInfo) bool {
	if a.ModTime().Equal(b.ModTime()) {
		return a.Name() > b.Name()
	}
	return a.ModTime().After(b.ModTime())
}

// Describe returns the listing entry of the file at path, relative to dir.
func Describe(dir, path string) (job.File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return job.File{}, err
	}

	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = fi.Name()
	}

	return job.File{
		Name:     fi.Name(),
		Filename: filepath.ToSlash(rel),
		Size:     HumanSize(fi.Size()),
	}, nil
}

// List returns the audio files found in dir and in its immediate
// subdirectories. Files of a subdirectory are reported with a Filename of
// the form "<subdir>/<name>". Unreadable subdirectories are skipped.
//
// The listing is sorted by Filename.
func List(dir string) ([]job.File, error) {
	files := []job.File{}

	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, err
	}

	for _, fi := range entries {
		if fi.Mode().IsRegular() {
			if isAudio(fi.Name()) {
				files = append(files, job.File{
					Name:     fi.Name(),
					Filename: fi.Name(),
					Size:     HumanSize(fi.Size()),
				})
			}
			continue
		}
		if !fi.IsDir() {
			continue
		}

		sub, err := ioutil.ReadDir(filepath.Join(dir, fi.Name()))
		if err != nil {
			continue
		}
		for _, sfi := range sub {
			if !sfi.Mode().IsRegular() || !isAudio(sfi.Name()) {
				continue
			}
			files = append(files, job.File{
				Name:     sfi.Name(),
				Filename: fi.Name() + "/" + sfi.Name(),
				Size:     HumanSize(sfi.Size()),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

func isAudio(name string) bool {
	for _, ext := range AudioExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// HumanSize formats n bytes using 1024 based units, with at most two
// decimals and no trailing zeros. Sizes beyond the largest unit are
// expressed in it.
func HumanSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}

	i := 0
	v := float64(n)
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	v = math.Round(v*100) / 100

	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}
