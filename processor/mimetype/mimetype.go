// Package mimetype detects the mime type of output files with libmagic and
// matches them against glob patterns.
package mimetype

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rakyll/magicmime"
)

// DetectionThreshold is the number of leading bytes of a file inspected to
// detect its mime type.
const DetectionThreshold = 1024

// emptyType is what libmagic reports for empty input.
const emptyType = "application/x-empty"

// Detector detects mime types. It is safe for concurrent use.
type Detector struct {
	// libmagic cookies are not safe for concurrent use
	mu      sync.Mutex
	decoder *magicmime.Decoder
}

// Check is a single glob pattern to be matched against a mime type.
// Negate indicates the check should be handled as a blacklist entry.
type Check struct {
	Pattern string
	Negate  bool
}

// Matcher is a set of checks parsed from a comma separated pattern list
// like "audio/*,!audio/webm".
type Matcher []Check

// New constructs a new Detector.
func New() (*Detector, error) {
	decoder, err := magicmime.NewDecoder(magicmime.MAGIC_MIME_TYPE)
	if err != nil {
		return nil, err
	}
	return &Detector{decoder: decoder}, nil
}

// Read reads up to DetectionThreshold bytes of r and returns their mime
// type. Any r.Read() errors are returned verbatim.
func (d *Detector) Read(r io.Reader) (string, error) {
	buf := make([]byte, DetectionThreshold)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	return d.TypeOf(buf[:n])
}

// TypeOf returns the mime type of p.
func (d *Detector) TypeOf(p []byte) (string, error) {
	// decoder.TypeByBuffer() panics with empty slices.
	if len(p) == 0 {
		return emptyType, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoder.TypeByBuffer(p)
}

// File returns the mime type of the file at path.
func (d *Detector) File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return d.Read(f)
}

// Close closes the internal mime-type decoder.
func (d *Detector) Close() {
	d.decoder.Close()
}

// ParseMatcher parses a comma separated list of glob patterns. Patterns
// prefixed with "!" are negated. An empty list matches everything.
func ParseMatcher(patterns string) (Matcher, error) {
	var m Matcher
	for _, c := range strings.Split(patterns, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		check := Check{Pattern: c}
		if strings.HasPrefix(c, "!") {
			check = Check{Pattern: c[1:], Negate: true}
		}
		if _, err := filepath.Match(check.Pattern, "*"); err != nil {
			return nil, fmt.Errorf("Invalid MimeType Pattern, %q", c)
		}
		m = append(m, check)
	}
	return m, nil
}

// Match reports whether mime satisfies every check of m.
func (m Matcher) Match(mime string) bool {
	for _, c := range m {
		if !c.IsValid(mime) {
			return false
		}
	}
	return true
}

// IsValid validates the given mime string against the current check.
func (c Check) IsValid(mime string) bool {
	// Only error here can be ErrBadPattern, checked in ParseMatcher.
	match, _ := filepath.Match(c.Pattern, mime)
	return match != c.Negate
}
