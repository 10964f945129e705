// Processor is one of the core entities of the extractor. It facilitates the
// processing of Jobs.
//
// Its main responsibility is to serialize job execution: requests, either a
// single job or a whole batch, are queued in a bounded channel and a single
// worker goroutine hands them one after the other to the Executor, which
// performs the actual extraction.
//
//   -----------------------------------------
//   |              Processor                |
//   |                                       |
//   |   Submit ---> [ queue ] ---> worker   |
//   |                                |      |
//   |                            Executor   |
//   |                                       |
//   -----------------------------------------
//
// The disk checker gates admission: while the output directory's disk is
// sick, new requests are rejected with ErrDiskSick.
//
// On shutdown the running request finishes; requests still queued are
// dropped and their jobs remain Pending in Redis.
package processor

import (
	"context"
	"errors"
	"expvar"
	"io/ioutil"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/extractor/job"
	"github.com/skroutz/extractor/processor/diskcheck"
	"github.com/skroutz/extractor/stats"
	"github.com/skroutz/extractor/storage"
)

var (
	// ErrQueueFull is returned when a request is submitted while the queue
	// is at capacity.
	ErrQueueFull = errors.New("Queue is full, try again later")

	// ErrDiskSick is returned when a request is submitted while the disk
	// of the output directory is above its usage threshold.
	ErrDiskSick = errors.New("Disk is full, try again later")

	newChecker = diskcheck.New
)

const (
	// DefaultQueueSize is the number of requests that may wait for the
	// worker.
	DefaultQueueSize = 64

	// Default disk checker settings
	DefaultDiskHigh     = 95
	DefaultDiskLow      = 90
	DefaultDiskInterval = 1 * time.Minute

	//Metric Identifiers
	statsQueued       = "queued"       //Gauge
	statsRejected     = "rejected"     //Counter
	statsRogueJobs    = "rogueJobs"    //Counter
	statsDiskSick     = "diskSick"     //Gauge
	statsProcessed    = "processed"    //Counter
	statsJobsFinished = "jobsFinished" //Counter

	rogueJobMeta = "Interrupted by a restart"
)

// request is a unit of work for the worker: either a single job or a batch.
type request struct {
	job *job.Job

	batchID string
	batch   []*job.Job
}

type Processor struct {
	Executor *Executor

	// Storage is optional. Without it jobs are not persisted and rogue
	// jobs are not collected.
	Storage *storage.Storage

	// StorageDir is the filesystem location where the artifacts are
	// written.
	StorageDir string

	Log log.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	// DiskMarks are the usage percentages of the StorageDir disk above
	// which requests are rejected, and at or below which they are accepted
	// again.
	DiskMarks    diskcheck.Watermarks
	DiskInterval time.Duration

	// mu serializes admission, so that a request passing the capacity
	// check is guaranteed a slot.
	mu       sync.Mutex
	requests chan request

	diskMu sync.Mutex
	disk   diskcheck.Checker

	// sick is 1 while the disk is above its usage threshold
	sick int32

	// running is 1 while the worker executes a request
	running int32

	stats *stats.Stats
}

// New initializes and returns a Processor, or an error if storageDir
// is not writable.
func New(e *Executor, s *storage.Storage, storageDir string, queueSize int, logger log.Logger) (*Processor, error) {
	err := checkWritable(storageDir)
	if err != nil {
		return nil, errors.New("Error verifying storage directory is writable: " + err.Error())
	}

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Processor{
		Executor:     e,
		Storage:      s,
		StorageDir:   storageDir,
		Log:          log.With(logger, "component", "processor"),
		StatsIntvl:   5 * time.Second,
		DiskMarks:    diskcheck.Watermarks{High: DefaultDiskHigh, Low: DefaultDiskLow},
		DiskInterval: DefaultDiskInterval,
		requests:     make(chan request, queueSize),
		stats:        stats.New("Processor", time.Second, func(m *expvar.Map) {}),
	}, nil
}

// checkWritable verifies that a file can be created, written and removed
// in dir. dir is created if missing.
func checkWritable(dir string) error {
	err := os.MkdirAll(dir, os.FileMode(0755))
	if err != nil {
		return err
	}
	tmpf, err := ioutil.TempFile(dir, "write-check-")
	if err != nil {
		return err
	}
	_, err = tmpf.Write([]byte("a"))
	if err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}
	err = tmpf.Close()
	if err != nil {
		return err
	}
	return os.Remove(tmpf.Name())
}

// Submit queues j for execution. It does not wait for the worker: if the
// queue is full, ErrQueueFull is returned and j is not persisted.
func (p *Processor) Submit(j *job.Job) error {
	return p.enqueue(request{job: j}, j)
}

// SubmitBatch queues the jobs of batchID for sequential execution as a
// single request. Either all jobs are persisted or none.
func (p *Processor) SubmitBatch(batchID string, jobs []*job.Job) error {
	return p.enqueue(request{batchID: batchID, batch: jobs}, jobs...)
}

func (p *Processor) enqueue(r request, jobs ...*job.Job) error {
	if !p.Healthy() {
		p.stats.Add(statsRejected, 1)
		return ErrDiskSick
	}

	// Only the worker receives from requests, so the free slots can only
	// grow until the send below.
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.requests) >= cap(p.requests) {
		p.stats.Add(statsRejected, 1)
		return ErrQueueFull
	}

	if p.Storage != nil {
		if err := p.Storage.QueueJobs(jobs...); err != nil {
			return err
		}
	} else {
		for _, j := range jobs {
			j.State = job.StatePending
		}
	}

	p.requests <- r
	p.stats.Add(statsQueued, 1)
	return nil
}

// Healthy reports whether the processor currently accepts requests.
func (p *Processor) Healthy() bool {
	return atomic.LoadInt32(&p.sick) == 0
}

// DiskUsage returns the last sampled usage percentage of the StorageDir
// disk, or -1 if the disk is not being checked.
func (p *Processor) DiskUsage() int {
	p.diskMu.Lock()
	defer p.diskMu.Unlock()
	if p.disk == nil {
		return -1
	}
	return p.disk.Usage()
}

// Busy reports whether a request is currently executing.
func (p *Processor) Busy() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// Pending returns the number of queued requests.
func (p *Processor) Pending() int {
	return len(p.requests)
}

// Start starts p and blocks until closeCh is signaled. It then waits for the
// running request to finish and signals back on closeCh.
func (p *Processor) Start(closeCh chan struct{}) {
	level.Info(p.Log).Log("msg", "Starting...")
	p.collectRogueJobs()

	ctx, cancel := context.WithCancel(context.TODO())

	var processorWg sync.WaitGroup

	if p.Storage != nil {
		// shares the expvar map of p.stats
		reporter := stats.New("Processor", p.StatsIntvl,
			func(m *expvar.Map) {
				err := p.Storage.SetStats("processor", m.String(), 2*p.StatsIntvl) // Autoremove stats after 2 times the interval
				if err != nil {
					level.Error(p.Log).Log("msg", "Could not report stats", "err", err)
				}
			})
		processorWg.Add(1)
		go func() {
			defer processorWg.Done()
			reporter.Run(ctx)
		}()
	}

	// A nil channel blocks forever, leaving the disk healthy for good.
	var healthCh chan diskcheck.Health
	diskChecker, err := newChecker(p.StorageDir, p.DiskMarks, p.DiskInterval, p.Log)
	if err != nil {
		level.Error(p.Log).Log("msg", "Error initializing disk checker", "err", err)
	} else {
		p.diskMu.Lock()
		p.disk = diskChecker
		p.diskMu.Unlock()

		healthCh = diskChecker.C()
		processorWg.Add(1)
		go func() {
			defer processorWg.Done()
			diskChecker.Run(ctx)
		}()
	}

	processorWg.Add(1)
	go func() {
		defer processorWg.Done()
		p.work(ctx)
	}()

PROCESSOR_LOOP:
	for {
		select {
		case health := <-healthCh:
			if health == diskcheck.Sick {
				level.Warn(p.Log).Log("msg", "Sick disk, rejecting new jobs...", "usage", diskChecker.Usage())
				atomic.StoreInt32(&p.sick, 1)
				p.stats.Add(statsDiskSick, 1)
			} else {
				level.Info(p.Log).Log("msg", "Healthy disk, accepting new jobs...", "usage", diskChecker.Usage())
				atomic.StoreInt32(&p.sick, 0)
				p.stats.Add(statsDiskSick, -1)
			}
		case <-closeCh:
			cancel()
			break PROCESSOR_LOOP
		}
	}

	level.Info(p.Log).Log("msg", "Shutting down...")
	processorWg.Wait()
	if n := len(p.requests); n > 0 {
		level.Warn(p.Log).Log("msg", "Dropping queued requests", "count", n)
	}
	closeCh <- struct{}{}
}

// work is the worker loop. It executes requests one at a time until ctx is
// cancelled. A running request is never interrupted.
func (p *Processor) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.requests:
			p.stats.Add(statsQueued, -1)
			p.process(r)
		}
	}
}

func (p *Processor) process(r request) {
	atomic.StoreInt32(&p.running, 1)
	defer atomic.StoreInt32(&p.running, 0)
	defer p.stats.Add(statsProcessed, 1)

	if r.batch != nil {
		p.Executor.ExecuteBatch(r.batchID, r.batch)
		p.stats.Add(statsJobsFinished, int64(len(r.batch)))
		return
	}

	err := p.Executor.Execute(r.job)
	if err != nil {
		level.Debug(p.Log).Log("msg", "Job failed", "job", r.job.ID, "err", err)
	}
	p.stats.Add(statsJobsFinished, 1)
}

// collectRogueJobs scans Redis for jobs left InProgress or Pending by an
// interrupted previous run. Their queue is gone with the process, so they
// are marked as Failed.
func (p *Processor) collectRogueJobs() {
	if p.Storage == nil {
		return
	}

	var rogueCount int64
	for _, st := range []job.State{job.StateInProgress, job.StatePending} {
		jobs, err := p.Storage.JobsInState(st)
		if err != nil {
			level.Error(p.Log).Log("msg", "Error scanning Redis for rogue jobs", "err", err)
			continue
		}

		for i := range jobs {
			j := &jobs[i]
			j.State = job.StateFailed
			j.Meta = rogueJobMeta
			if err := p.Storage.SaveJob(j); err != nil {
				level.Error(p.Log).Log("msg", "Error marking rogue job as failed", "job", j.ID, "err", err)
				continue
			}
			rogueCount++
		}
	}

	if rogueCount > 0 {
		p.stats.Add(statsRogueJobs, rogueCount)
		level.Warn(p.Log).Log("msg", "Marked rogue jobs as failed", "count", rogueCount)
	}
}
