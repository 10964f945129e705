package processor

import (
	"bytes"
	"context"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/extractor/job"
	"github.com/skroutz/extractor/processor/artifact"
	"github.com/skroutz/extractor/processor/errors"
	"github.com/skroutz/extractor/processor/filestorage"
	"github.com/skroutz/extractor/processor/progress"
	"github.com/skroutz/extractor/processor/runner"
	"github.com/skroutz/extractor/stats"
	"github.com/skroutz/extractor/storage"
)

const (
	// DefaultMaxAttempts is the hard cap of tool invocations per job.
	// In practice a job makes at most two: the primary attempt and a
	// single fallback.
	DefaultMaxAttempts = 3

	// DefaultProbeTimeout bounds the version probe. It is the only bounded
	// call; extraction processes run to natural termination.
	DefaultProbeTimeout = 10 * time.Second

	authFailedMessage = "Authentication failed. Export your YouTube cookies to %s and try again."

	//Metric Identifiers
	statsJobs           = "jobs"            //Counter
	statsAttempts       = "attempts"        //Counter
	statsFallbacks      = "fallbacks"       //Counter
	statsSuccesses      = "successes"       //Counter
	statsPartial        = "partialSuccess"  //Counter
	statsFailures       = "failures"        //Counter
	statsFailurePrefix  = "failures."       //Counter
	statsNoArtifact     = "noArtifact"      //Counter
	statsArchived       = "archived"        //Counter
	statsArchiveFailure = "archiveFailures" //Counter
)

// Publisher receives the status events of jobs.
type Publisher interface {
	Publish(job.Event)
}

// PublisherFunc adapts an ordinary function to a Publisher.
type PublisherFunc func(job.Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev job.Event) {
	f(ev)
}

// Executor drives jobs through the extraction tool: it builds the argument
// configurations, runs the attempts, classifies their output, decides on
// the fallback and confirms the resulting artifact.
//
// An Executor runs one job at a time; callers serialize access to it (see
// Processor).
type Executor struct {
	Runner    *runner.Runner
	Publisher Publisher

	// Args holds the settings shared by every attempt. Args.OutputDir is
	// also the directory scanned for artifacts.
	Args job.ArgsConfig

	// CredentialsFile is passed to the tool on every attempt if it exists
	// at the time the job starts. A relative path is resolved against the
	// current directory, since the tool runs in Args.OutputDir.
	CredentialsFile string

	MaxAttempts  int
	ProbeTimeout time.Duration

	// Storage persists job records. Optional.
	Storage *storage.Storage

	// Archive receives a copy of every confirmed artifact. Optional;
	// archive failures never fail a job.
	Archive filestorage.FileStorage

	Log log.Logger

	stats *stats.Stats
}

// NewExecutor returns an Executor running r and publishing to pub.
func NewExecutor(r *runner.Runner, pub Publisher, args job.ArgsConfig, logger log.Logger) *Executor {
	return &Executor{
		Runner:       r,
		Publisher:    pub,
		Args:         args,
		MaxAttempts:  DefaultMaxAttempts,
		ProbeTimeout: DefaultProbeTimeout,
		Log:          log.With(logger, "component", "executor"),
		stats:        stats.New("Executor", time.Second, func(*expvar.Map) {}),
	}
}

// Stats returns the counters of e.
func (e *Executor) Stats() *stats.Stats {
	return e.stats
}

// Execute runs j to completion and publishes its progress in full detail.
// It returns nil if j ended in Success or PartialSuccess, or the JobError
// that failed it otherwise. Either way exactly one terminal event is
// published.
func (e *Executor) Execute(j *job.Job) error {
	return e.run(j, false)
}

// run executes j. In quiet mode, used by batches, no event is published
// for the job at all.
func (e *Executor) run(j *job.Job, quiet bool) (err error) {
	logger := log.With(e.Log, "job", j.ID)

	defer func() {
		// a panicking job fails alone
		if r := recover(); r != nil {
			err = errors.Errorf(errors.ProcessFailed, "running job", "panic: %v", r)
			level.Error(logger).Log("msg", "Recovered from panic", "err", err)
			e.fail(j, err.(errors.JobError), quiet)
		}
	}()

	e.stats.Add(statsJobs, 1)
	j.State = job.StateInProgress
	j.Meta = ""
	e.save(j)

	if !quiet {
		e.publish(job.Progress(j.ID, 0, "Starting download..."))
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.probeTimeout())
	version, perr := e.Runner.Version(ctx)
	cancel()
	if perr != nil {
		jerr := errors.E(errors.ToolUnavailable, "probing tool", perr)
		level.Error(logger).Log("msg", "Tool unavailable", "binary", e.Runner.Binary, "err", perr)
		e.fail(j, jerr, quiet)
		return jerr
	}
	level.Debug(logger).Log("msg", "Probed tool", "version", version)

	cfg := e.Args
	cfg.CookiesFile = ""
	if cfg.OutputDir, err = filepath.Abs(cfg.OutputDir); err != nil {
		jerr := errors.E(errors.LaunchFailure, "resolving output directory", err)
		e.fail(j, jerr, quiet)
		return jerr
	}
	if cookies := e.credentialsFile(); cookies != "" {
		if _, serr := os.Stat(cookies); serr == nil {
			cfg.CookiesFile = cookies
		} else {
			level.Debug(logger).Log("msg", "No credentials file, some media may require authentication", "path", cookies)
		}
	}

	args := job.PrimaryArgs(j.URL, cfg)
	fallback := false

	for n := 1; ; n++ {
		level.Info(logger).Log("msg", "Starting attempt", "attempt", n, "fallback", fallback, "url", j.URL)

		res, aerr := e.attempt(j, args, cfg.OutputDir, n, quiet)
		j.Attempts = n
		if aerr != nil {
			jerr := errors.E(errors.LaunchFailure, "launching tool", aerr)
			level.Error(logger).Log("msg", "Could not launch tool", "err", aerr)
			e.fail(j, jerr, quiet)
			return jerr
		}

		j.ExitCode = res.ExitCode
		j.SuccessCount = res.SuccessCount
		j.ErrorCount = res.ErrorCount
		e.save(j)

		level.Info(logger).Log("msg", "Attempt finished", "attempt", n,
			"exit_code", res.ExitCode, "success_count", res.SuccessCount, "error_count", res.ErrorCount)

		if res.Succeeded {
			e.succeed(j, res, quiet)
			return nil
		}

		jerr := attemptError(res, fallback, n < e.maxAttempts())
		if jerr.IsRetriable() {
			level.Warn(logger).Log("msg", "Authentication required, retrying with fallback configuration", "err", jerr)
			e.stats.Add(statsFallbacks, 1)
			fallback = true
			args = job.FallbackArgs(j.URL, cfg)
			continue
		}

		level.Error(logger).Log("msg", "Job failed", "err", jerr, "caller", jerr.Caller())
		e.fail(j, jerr, quiet)
		return jerr
	}
}

// attemptError classifies a failed attempt. An authentication failure of
// the primary attempt is retriable when attempts are left; one of the
// fallback is final.
func attemptError(res job.Result, fallback, attemptsLeft bool) errors.JobError {
	var jerr errors.JobError
	switch {
	case fallback:
		jerr = errors.Errorf(errors.AuthFailed, "running fallback", "exit code %d", res.ExitCode)
	case attemptsLeft && progress.IsAuthFailure(res.Stderr):
		jerr = errors.Errorf(errors.AuthFailed, "running tool", "exit code %d", res.ExitCode).Retriable()
	default:
		jerr = errors.Errorf(errors.ProcessFailed, "running tool", "exit code %d", res.ExitCode)
	}
	return jerr.WithExit(res.ExitCode, res.SuccessCount, res.ErrorCount)
}

// attempt runs the tool once with args in dir and classifies its output.
// Only a launch failure is returned as an error; a non-zero exit is a
// normal Result.
func (e *Executor) attempt(j *job.Job, args job.Args, dir string, n int, quiet bool) (job.Result, error) {
	e.stats.Add(statsAttempts, 1)

	p, err := e.Runner.Start(args, dir)
	if err != nil {
		return job.Result{Attempt: n}, err
	}
	level.Debug(e.Log).Log("msg", "Started tool", "job", j.ID, "attempt", n, "pid", p.Pid())

	var counter progress.Counter
	var outSplit, errSplit progress.LineSplitter
	var raw, stderr bytes.Buffer

	stdoutLine := func(line string) {
		s := counter.Add(progress.Classify(line))
		if quiet {
			return
		}
		switch s.Kind {
		case progress.Percent:
			e.publish(job.Progress(j.ID, int(s.Value), s.Text))
		case progress.Warning:
			e.publish(job.Progress(j.ID, int(counter.LastPercent), "Warning: "+s.Text))
		case progress.AlreadyDownloaded:
			e.publish(job.Progress(j.ID, int(counter.LastPercent), s.Text))
		}
	}
	stderrLine := func(line string) {
		counter.Add(progress.Classify(line))
	}

	// Both streams are consumed by this goroutine alone, so lines are
	// classified in the order they are received.
	stdoutCh, stderrCh := p.Stdout(), p.Stderr()
	for stdoutCh != nil || stderrCh != nil {
		select {
		case chunk, ok := <-stdoutCh:
			if !ok {
				stdoutCh = nil
				for _, l := range outSplit.Flush() {
					stdoutLine(l)
				}
				continue
			}
			raw.Write(chunk)
			for _, l := range outSplit.Write(chunk) {
				stdoutLine(l)
			}
		case chunk, ok := <-stderrCh:
			if !ok {
				stderrCh = nil
				for _, l := range errSplit.Flush() {
					stderrLine(l)
				}
				continue
			}
			stderr.Write(chunk)
			for _, l := range errSplit.Write(chunk) {
				stderrLine(l)
			}
		}
	}

	exit := p.Wait()
	if exit.Err != nil {
		level.Warn(e.Log).Log("msg", "Error waiting for tool", "job", j.ID, "err", exit.Err)
	}

	return job.Result{
		Attempt:        n,
		Succeeded:      exit.Code == 0 || counter.SuccessCount > 0 || counter.Destination != "",
		ExitCode:       exit.Code,
		SuccessCount:   counter.SuccessCount,
		ErrorCount:     counter.ErrorCount,
		DownloadedFile: counter.Destination,
		RawOutput:      raw.String(),
		Stderr:         stderr.String(),
	}, nil
}

// succeed confirms the artifact of a successful attempt, records the
// outcome and publishes it.
func (e *Executor) succeed(j *job.Job, res job.Result, quiet bool) {
	logger := log.With(e.Log, "job", j.ID)

	ext := "." + strings.TrimPrefix(e.Args.AudioFormat, ".")
	file, err := artifact.Latest(e.Args.OutputDir, ext, res.DownloadedFile)
	if err != nil {
		level.Warn(logger).Log("msg", "Could not scan output directory", "err", err)
	}

	var files []job.File
	if file == "" {
		// The tool's own claim of success is trusted.
		jerr := errors.Errorf(errors.NoArtifactFound, "confirming artifact", "no %s file in %s", ext, e.Args.OutputDir)
		level.Warn(logger).Log("msg", "Reporting success without artifact", "err", jerr)
		e.stats.Add(statsNoArtifact, 1)
		j.File = ""
	} else {
		f, err := artifact.Describe(e.Args.OutputDir, file)
		if err != nil {
			level.Warn(logger).Log("msg", "Could not describe artifact", "file", file, "err", err)
			f = job.File{Name: filepath.Base(file), Filename: filepath.Base(file)}
		}
		files = append(files, f)
		j.File = f.Filename
		e.archive(j, file)
	}

	j.State = job.StateSuccess
	e.stats.Add(statsSuccesses, 1)
	if res.ErrorCount > 0 {
		j.State = job.StatePartialSuccess
		e.stats.Add(statsPartial, 1)
	}
	e.save(j)
	level.Info(logger).Log("msg", "Job succeeded", "state", j.State, "file", j.File)

	if quiet {
		return
	}

	status := fmt.Sprintf("Download completed! %d files downloaded successfully.", res.SuccessCount)
	if len(files) > 0 {
		status += " File saved as: " + files[0].Name
	} else {
		status += " Check downloads folder for files."
	}
	e.publish(job.Complete(j.ID, files...))
	e.publish(job.Progress(j.ID, 100, status))
}

// fail records the terminal failure of j and publishes its error event.
func (e *Executor) fail(j *job.Job, jerr errors.JobError, quiet bool) {
	j.State = job.StateFailed
	j.Meta = jerr.Error()
	e.save(j)

	e.stats.Add(statsFailures, 1)
	e.stats.Add(statsFailurePrefix+jerr.Kind.String(), 1)

	if quiet {
		return
	}
	e.publish(job.Failure(j.ID, e.failureMessage(jerr)))
}

// failureMessage returns the human readable error reported for jerr.
func (e *Executor) failureMessage(jerr errors.JobError) string {
	switch jerr.Kind {
	case errors.ToolUnavailable:
		return fmt.Sprintf("%s not found or not working", filepath.Base(e.Runner.Binary))
	case errors.LaunchFailure:
		return fmt.Sprintf("Download error: %s", jerr.Err())
	case errors.AuthFailed:
		cookies := e.credentialsFile()
		if cookies == "" {
			cookies = "a cookies file"
		}
		return fmt.Sprintf(authFailedMessage, cookies)
	case errors.ProcessFailed:
		return fmt.Sprintf("Download failed with exit code %d. %d files downloaded, %d errors.",
			jerr.ExitCode, jerr.SuccessCount, jerr.ErrorCount)
	}
	return fmt.Sprintf("Download error: %s", jerr.Err())
}

// archive copies the artifact at path to the archive file storage.
func (e *Executor) archive(j *job.Job, path string) {
	if e.Archive == nil {
		return
	}

	dest := j.ID + "/" + filepath.Base(path)
	err := e.Archive.StoreFile(path, dest, map[string]string{"job": j.ID, "url": j.URL})
	if err != nil {
		level.Error(e.Log).Log("msg", "Could not archive artifact", "job", j.ID, "file", path, "err", err)
		e.stats.Add(statsArchiveFailure, 1)
		return
	}
	e.stats.Add(statsArchived, 1)
}

func (e *Executor) publish(ev job.Event) {
	if e.Publisher == nil {
		return
	}
	e.Publisher.Publish(ev)
}

func (e *Executor) save(j *job.Job) {
	if e.Storage == nil {
		return
	}
	if err := e.Storage.SaveJob(j); err != nil {
		level.Error(e.Log).Log("msg", "Could not save job", "job", j.ID, "err", err)
	}
}

// credentialsFile returns the absolute path of CredentialsFile, or "" if
// none is configured.
func (e *Executor) credentialsFile() string {
	if e.CredentialsFile == "" {
		return ""
	}
	abs, err := filepath.Abs(e.CredentialsFile)
	if err != nil {
		return e.CredentialsFile
	}
	return abs
}

func (e *Executor) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return e.MaxAttempts
}

func (e *Executor) probeTimeout() time.Duration {
	if e.ProbeTimeout <= 0 {
		return DefaultProbeTimeout
	}
	return e.ProbeTimeout
}
