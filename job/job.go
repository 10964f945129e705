package job

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a Job.
// For valid values see constants below.
type State string

// The available states of a job.
const (
	StatePending        = "Pending"
	StateInProgress     = "InProgress"
	StateSuccess        = "Success"
	StatePartialSuccess = "PartialSuccess"
	StateFailed         = "Failed"
)

// Platform is the host family jobs are accepted for.
const Platform = "youtube.com"

var (
	platformHosts = []string{"youtube.com", "youtu.be"}

	// ErrUnsupportedURL is returned for URLs that don't point to Platform.
	ErrUnsupportedURL = errors.New("Invalid YouTube URL")
	// ErrEmptyURL is returned when no URL was given.
	ErrEmptyURL = errors.New("URL is required")
	// ErrNoURLs is returned when a URL list contains no supported URL.
	ErrNoURLs = errors.New("No valid YouTube URLs found in file")
)

// Job represents one extraction request: a single source URL run through
// the external tool.
//
// It is the core entity of the extractor and holds all info and state of
// the extraction.
type Job struct {
	// Auto-generated
	ID string `json:"id"`

	// The URL pointing to the media to be extracted
	URL string `json:"url"`

	// BatchID is the ID of the batch the job belongs to, if any.
	BatchID string `json:"batch_id,omitempty"`

	// Position of the job in its batch, zero based.
	BatchIndex int `json:"batch_index"`
	BatchTotal int `json:"batch_total"`

	State State `json:"state"`

	// How many times the tool was invoked for this job
	Attempts int `json:"attempts"`

	// Exit code of the last attempt
	ExitCode int `json:"exit_code"`

	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`

	// File is the confirmed artifact, relative to the output directory.
	File string `json:"file,omitempty"`

	// Auxiliary ad-hoc information. Typically used for communicating
	// errors back to the user.
	Meta string `json:"meta,omitempty"`
}

// New validates rawURL and returns a pending Job for it.
func New(rawURL string) (*Job, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	if !Supported(rawURL) {
		return nil, ErrUnsupportedURL
	}
	return &Job{ID: uuid.New().String(), URL: rawURL, State: StatePending}, nil
}

// NewBatch returns a pending job for every URL in urls, all sharing a new
// batch id.
func NewBatch(urls []string) (string, []*Job, error) {
	if len(urls) == 0 {
		return "", nil, ErrNoURLs
	}
	batchID := uuid.New().String()
	jobs := make([]*Job, 0, len(urls))
	for i, u := range urls {
		j, err := New(u)
		if err != nil {
			return "", nil, fmt.Errorf("line %d: %s", i+1, err)
		}
		j.BatchID = batchID
		j.BatchIndex = i
		j.BatchTotal = len(urls)
		jobs = append(jobs, j)
	}
	return batchID, jobs, nil
}

// Supported reports whether rawURL points to the supported platform.
// Scheme-less URLs are accepted.
func Supported(rawURL string) bool {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range platformHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ParseURLList reads a newline delimited list of URLs. Each line is trimmed;
// empty and unsupported lines are dropped, whatever their length.
// ErrNoURLs is returned when nothing is left.
func ParseURLList(r io.Reader) ([]string, error) {
	var urls []string

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line != "" && Supported(line) {
			urls = append(urls, line)
		}
		if err == io.EOF {
			break
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	return urls, nil
}

// MarshalBinary is used by redis driver to marshall custom type State
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}

// Succeeded reports whether s counts as a completed extraction.
func (s State) Succeeded() bool {
	return s == StateSuccess || s == StatePartialSuccess
}

// InBatch reports whether j is part of a batch.
func (j *Job) InBatch() bool {
	return j.BatchID != ""
}

func (j Job) String() string {
	batch := "-"
	if j.InBatch() {
		batch = fmt.Sprintf("%s[%d/%d]", j.BatchID, j.BatchIndex+1, j.BatchTotal)
	}
	return fmt.Sprintf("Job{ID:%s, URL:%s, Batch:%s, State:%s, Attempts:%d}",
		j.ID, j.URL, batch, j.State, j.Attempts)
}
