// Package progress classifies the output lines of the extraction tool into
// typed signals.
//
// The tool's output is not a contract. Lines are matched against a few
// markers and anything unrecognized degrades to Unclassified; nothing in
// here ever fails.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind is the type of a Signal.
type Kind int

// The available signal kinds.
const (
	Unclassified Kind = iota
	Percent
	Warning
	AlreadyDownloaded
	DestinationFile
)

const (
	downloadMarker = "[download]"
	errorMarker    = "ERROR:"
	alreadyMarker  = "has already been downloaded"
	destSeparator  = "Destination:"
)

var (
	percentRe = regexp.MustCompile(`(\d+\.?\d*)%`)

	destMarkers = []string{"[ffmpeg] Destination:", "[ExtractAudio] Destination:"}

	// Substrings of the tool's stderr denoting the platform refused the
	// request until the client authenticates.
	authPatterns = []string{"Sign in to confirm", "403: Forbidden"}
)

func (k Kind) String() string {
	switch k {
	case Percent:
		return "percent"
	case Warning:
		return "warning"
	case AlreadyDownloaded:
		return "already-downloaded"
	case DestinationFile:
		return "destination"
	}
	return "unclassified"
}

// Signal is the classification of a single line.
type Signal struct {
	Kind Kind

	// Value is the parsed percentage of Percent signals.
	Value float64

	// Text is the trimmed line.
	Text string

	// Path is the file of DestinationFile signals.
	Path string
}

// Classify returns the Signal for line. It is a pure function.
func Classify(line string) Signal {
	text := strings.TrimSpace(line)

	switch {
	case strings.Contains(line, downloadMarker) && strings.Contains(line, "%"):
		m := percentRe.FindStringSubmatch(line)
		if m == nil {
			break
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			break
		}
		return Signal{Kind: Percent, Value: v, Text: text}
	case strings.Contains(line, errorMarker):
		return Signal{Kind: Warning, Text: text}
	case strings.Contains(line, alreadyMarker):
		return Signal{Kind: AlreadyDownloaded, Text: text}
	}

	for _, marker := range destMarkers {
		if !strings.Contains(line, marker) {
			continue
		}
		i := strings.Index(line, destSeparator)
		path := strings.TrimSpace(line[i+len(destSeparator):])
		if path == "" {
			break
		}
		return Signal{Kind: DestinationFile, Text: text, Path: path}
	}

	return Signal{Kind: Unclassified, Text: text}
}

// IsAuthFailure reports whether the aggregated stderr of an attempt
// denotes an authentication failure.
func IsAuthFailure(stderr string) bool {
	for _, p := range authPatterns {
		if strings.Contains(stderr, p) {
			return true
		}
	}
	return false
}

// Counter accumulates the signals of one attempt.
type Counter struct {
	SuccessCount int
	ErrorCount   int

	// Destination is the last captured destination file.
	Destination string

	// LastPercent is the last parsed percentage.
	LastPercent float64
}

// Add records s and returns it.
func (c *Counter) Add(s Signal) Signal {
	switch s.Kind {
	case Percent:
		c.LastPercent = s.Value
	case Warning:
		c.ErrorCount++
	case AlreadyDownloaded:
		c.SuccessCount++
	case DestinationFile:
		c.Destination = s.Path
	}
	return s
}
