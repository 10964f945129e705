// Package api exposes the extractor over HTTP: job submission, the live
// event stream, the artifact listing and health.
package api

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/extractor/job"
	"github.com/skroutz/extractor/processor"
	"github.com/skroutz/extractor/processor/artifact"
	"github.com/skroutz/extractor/processor/mimetype"
	"github.com/skroutz/extractor/storage"
)

const (
	// DefaultDownloadsDir is served under /downloads/.
	DefaultDownloadsDir = "downloads"

	maxUploadSize  = 1 << 20
	recentJobs     = 20
	probeTimeout   = 5 * time.Second
	sseKeepalive   = 30 * time.Second
	statsComponent = "API"
)

// Submitter queues jobs for execution.
type Submitter interface {
	Submit(j *job.Job) error
	SubmitBatch(batchID string, jobs []*job.Job) error
	Healthy() bool
	Busy() bool
	Pending() int
	DiskUsage() int
}

// Subscriber provides the live event stream.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan job.Event, error)
}

// Prober reports the version of the extraction tool.
type Prober interface {
	Version(ctx context.Context) (string, error)
}

type API struct {
	Server *http.Server

	// Storage serves the job and batch records. Optional.
	Storage *storage.Storage

	Processor Submitter
	Events    Subscriber
	Tool      Prober

	DownloadsDir string

	// AllowedOrigin is sent as Access-Control-Allow-Origin when set.
	AllowedOrigin string

	Log log.Logger

	detector *mimetype.Detector
	stats    *expvar.Map
}

// New returns an API submitting jobs to p, listening on host:port.
func New(s *storage.Storage, p Submitter, host string, port int, logger log.Logger) *API {
	as := &API{
		Storage:      s,
		Processor:    p,
		DownloadsDir: DefaultDownloadsDir,
		Log:          log.With(logger, "component", "api"),
	}

	as.stats, _ = expvar.Get(statsComponent).(*expvar.Map)
	if as.stats == nil {
		as.stats = expvar.NewMap(statsComponent)
	}

	d, err := mimetype.New()
	if err != nil {
		level.Warn(as.Log).Log("msg", "Mime type detection unavailable", "err", err)
	} else {
		as.detector = d
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/download", as.handleDownload)
	mux.HandleFunc("/api/upload", as.handleUpload)
	mux.HandleFunc("/api/events", as.handleEvents)
	mux.HandleFunc("/api/files", as.handleFiles)
	mux.HandleFunc("/api/jobs", as.handleJob)
	mux.HandleFunc("/api/jobs/", as.handleJob)
	mux.HandleFunc("/api/batches/", as.handleBatch)
	mux.HandleFunc("/api/health", as.handleHealth)
	mux.Handle("/downloads/", http.StripPrefix("/downloads/", http.HandlerFunc(as.serveDownload)))

	static, err := staticFs()
	if err != nil {
		level.Warn(as.Log).Log("msg", "Static assets unavailable", "err", err)
	} else {
		mux.Handle("/", http.FileServer(static))
	}

	as.Server = &http.Server{Handler: as.cors(mux), Addr: host + ":" + strconv.Itoa(port)}
	return as
}

// Close releases the resources of as. It does not stop the server.
func (as *API) Close() {
	if as.detector != nil {
		as.detector.Close()
	}
}

func (as *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if as.AllowedOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", as.AllowedOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleDownload queues a single job for the URL in the request body.
func (as *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req struct {
		URL string `json:"url"`
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize)).Decode(&req)
	if err != nil {
		writeError(w, "Error decoding request: "+err.Error(), http.StatusBadRequest)
		return
	}

	j, err := job.New(req.URL)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err = as.Processor.Submit(j); err != nil {
		as.submitError(w, err)
		return
	}

	as.stats.Add("jobsSubmitted", 1)
	level.Info(as.Log).Log("msg", "Queued job", "job", j.ID, "url", j.URL)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Download started",
		"job_id":  j.ID,
	})
}

// handleUpload queues a batch for the URLs listed in the uploaded file.
func (as *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, "No file uploaded", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if !isTextFile(hdr.Filename, hdr.Header.Get("Content-Type")) {
		writeError(w, "Only .txt files are allowed", http.StatusBadRequest)
		return
	}

	urls, err := job.ParseURLList(f)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	batchID, jobs, err := job.NewBatch(urls)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err = as.Processor.SubmitBatch(batchID, jobs); err != nil {
		as.submitError(w, err)
		return
	}

	as.stats.Add("batchesSubmitted", 1)
	level.Info(as.Log).Log("msg", "Queued batch", "batch", batchID, "jobs", len(jobs))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":  fmt.Sprintf("Batch download started for %d URLs", len(jobs)),
		"batch_id": batchID,
		"count":    len(jobs),
	})
}

func isTextFile(name, contentType string) bool {
	if strings.EqualFold(filepath.Ext(name), ".txt") {
		return true
	}
	return strings.HasPrefix(contentType, "text/plain")
}

func (as *API) submitError(w http.ResponseWriter, err error) {
	switch err {
	case processor.ErrQueueFull, processor.ErrDiskSick:
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		level.Error(as.Log).Log("msg", "Error queueing job", "err", err)
		writeError(w, "Error queueing job: "+err.Error(), http.StatusInternalServerError)
	}
}

// handleEvents streams every event published while the client is
// connected. Disconnecting never affects the jobs.
func (as *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	if as.Events == nil {
		writeError(w, "Events unavailable", http.StatusServiceUnavailable)
		return
	}

	events, err := as.Events.Subscribe(r.Context())
	if err != nil {
		level.Error(as.Log).Log("msg", "Could not subscribe to events", "err", err)
		writeError(w, "Events unavailable", http.StatusServiceUnavailable)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	as.stats.Add("sseClients", 1)
	defer as.stats.Add("sseClients", -1)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				level.Debug(as.Log).Log("msg", "Dropping event stream", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev job.Event) error {
	payload, err := ev.Payload()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Kind, ev.JobID, payload)
	return err
}

// handleFiles lists the artifacts of the downloads directory, optionally
// filtered by mime type with ?type=audio/*,!audio/x-wav.
func (as *API) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var matcher mimetype.Matcher
	if q := r.URL.Query().Get("type"); q != "" {
		if as.detector == nil {
			writeError(w, "Mime type detection unavailable", http.StatusNotImplemented)
			return
		}
		m, err := mimetype.ParseMatcher(q)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		matcher = m
	}

	files, err := artifact.List(as.DownloadsDir)
	if err != nil {
		level.Error(as.Log).Log("msg", "Could not list files", "err", err)
		writeError(w, "Failed to read downloads directory", http.StatusInternalServerError)
		return
	}

	if as.detector != nil {
		listed := files[:0]
		for _, f := range files {
			mime, err := as.detector.File(filepath.Join(as.DownloadsDir, filepath.FromSlash(f.Filename)))
			if err != nil {
				level.Debug(as.Log).Log("msg", "Could not detect mime type", "file", f.Filename, "err", err)
			}
			f.Type = mime
			if matcher != nil && !matcher.Match(mime) {
				continue
			}
			listed = append(listed, f)
		}
		files = listed
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (as *API) serveDownload(w http.ResponseWriter, r *http.Request) {
	http.FileServer(http.Dir(as.DownloadsDir)).ServeHTTP(w, r)
}

// handleJob returns the stored record of a job, or of the most recently
// queued jobs when no id is given.
func (as *API) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if as.Storage == nil {
		writeError(w, "Job storage unavailable", http.StatusNotImplemented)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs"), "/")
	if id == "" {
		as.listJobs(w, r)
		return
	}

	j, err := as.Storage.GetJob(id)
	if err == storage.ErrNotFound {
		writeError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		level.Error(as.Log).Log("msg", "Could not fetch job", "job", id, "err", err)
		writeError(w, "Error fetching job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// listJobs returns the records of the most recently queued jobs, newest
// first. ?limit bounds their number.
func (as *API) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := recentJobs
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ids, err := as.Storage.RecentJobIDs(limit)
	if err != nil {
		level.Error(as.Log).Log("msg", "Could not fetch recent jobs", "err", err)
		writeError(w, "Error fetching jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	jobs := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := as.Storage.GetJob(id)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			level.Error(as.Log).Log("msg", "Could not fetch job", "job", id, "err", err)
			writeError(w, "Error fetching jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		jobs = append(jobs, j)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleBatch returns the tally of a batch along with its job ids.
func (as *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if as.Storage == nil {
		writeError(w, "Job storage unavailable", http.StatusNotImplemented)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	b, ids, err := as.Storage.GetBatch(id)
	if err == storage.ErrNotFound {
		writeError(w, "Batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		level.Error(as.Log).Log("msg", "Could not fetch batch", "batch", id, "err", err)
		writeError(w, "Error fetching batch: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": id,
		"batch":    b,
		"jobs":     ids,
		"done":     b.Done(),
	})
}

// handleHealth probes the tool and reports the state of the processor.
func (as *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if as.Tool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		version, err := as.Tool.Version(ctx)
		cancel()
		if err != nil {
			resp["status"] = "ERROR"
			resp["ytdlp"] = "unavailable"
			resp["error"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp["ytdlp"] = "available"
			resp["version"] = version
		}
	}

	if as.Processor != nil {
		resp["disk"] = "healthy"
		if !as.Processor.Healthy() {
			resp["disk"] = "sick"
		}
		resp["pending"] = as.Processor.Pending()
		resp["busy"] = as.Processor.Busy()
		if u := as.Processor.DiskUsage(); u >= 0 {
			resp["disk_usage"] = u
		}
	}

	stats := make(map[string]json.RawMessage)
	for _, id := range []string{"Processor", "Executor", "Notifier", statsComponent} {
		if v := expvar.Get(id); v != nil {
			stats[id] = json.RawMessage(v.String())
		}
	}
	resp["stats"] = stats

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
