package processor

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis"

	"github.com/skroutz/extractor/job"
	"github.com/skroutz/extractor/processor/diskcheck"
	"github.com/skroutz/extractor/storage"
)

type fakeChecker struct {
	c chan diskcheck.Health
}

func (f fakeChecker) Run(ctx context.Context) { <-ctx.Done() }

func (f fakeChecker) C() chan diskcheck.Health { return f.c }

func (f fakeChecker) Usage() int { return 42 }

// stubChecker makes Start use a checker fed through the returned channel.
func stubChecker(t *testing.T) chan diskcheck.Health {
	c := make(chan diskcheck.Health)
	newChecker = func(string, diskcheck.Watermarks, time.Duration, log.Logger) (diskcheck.Checker, error) {
		return fakeChecker{c}, nil
	}
	t.Cleanup(func() { newChecker = diskcheck.New })
	return c
}

func testStorage(t *testing.T) *storage.Storage {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 5})
	s, err := storage.New(client)
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	if err = client.FlushDB().Err(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.FlushDB()
		client.Close()
	})
	return s
}

// waitFor polls cond until it holds or a few seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewNotWritable(t *testing.T) {
	file := filepath.Join(tempDir(t, "storage"), "file")
	if err := ioutil.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := New(nil, nil, filepath.Join(file, "downloads"), 1, logger)
	if err == nil {
		t.Error("Expected error for unwritable storage directory")
	}
}

func TestNewCreatesStorageDir(t *testing.T) {
	dir := filepath.Join(tempDir(t, "storage"), "downloads")

	p, err := New(nil, nil, dir, 0, logger)
	if err != nil {
		t.Fatal(err)
	}
	if cap(p.requests) != DefaultQueueSize {
		t.Errorf("Expected queue size %d, got %d", DefaultQueueSize, cap(p.requests))
	}
	if expected := (diskcheck.Watermarks{High: DefaultDiskHigh, Low: DefaultDiskLow}); p.DiskMarks != expected {
		t.Errorf("Expected disk watermarks %+v, got %+v", expected, p.DiskMarks)
	}
	if p.DiskUsage() != -1 {
		t.Errorf("Expected unknown disk usage before Start, got %d", p.DiskUsage())
	}
}

func TestSubmitQueueFull(t *testing.T) {
	p, err := New(nil, nil, tempDir(t, "storage"), 1, logger)
	if err != nil {
		t.Fatal(err)
	}

	if err = p.Submit(testJob(t)); err != nil {
		t.Fatal(err)
	}
	if err = p.Submit(testJob(t)); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if p.Pending() != 1 {
		t.Errorf("Expected 1 pending request, got %d", p.Pending())
	}
}

// submitConcurrently submits a job from each of n goroutines and returns
// the jobs that were accepted and those that were rejected.
func submitConcurrently(t *testing.T, p *Processor, n int) (accepted, rejected []*job.Job) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		j := testJob(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Submit(j)

			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				accepted = append(accepted, j)
			case ErrQueueFull:
				rejected = append(rejected, j)
			default:
				t.Errorf("Unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	return accepted, rejected
}

func TestSubmitConcurrentlyAtCapacity(t *testing.T) {
	p, err := New(nil, nil, tempDir(t, "storage"), 3, logger)
	if err != nil {
		t.Fatal(err)
	}

	accepted, rejected := submitConcurrently(t, p, 20)
	if len(accepted) != 3 || len(rejected) != 17 {
		t.Errorf("Expected 3 accepted and 17 rejected, got %d and %d", len(accepted), len(rejected))
	}
	if p.Pending() != 3 {
		t.Errorf("Expected 3 pending requests, got %d", p.Pending())
	}
}

func TestRejectedJobsNotPersisted(t *testing.T) {
	s := testStorage(t)

	p, err := New(nil, s, tempDir(t, "storage"), 2, logger)
	if err != nil {
		t.Fatal(err)
	}

	accepted, rejected := submitConcurrently(t, p, 10)
	if len(accepted) != 2 {
		t.Fatalf("Expected 2 accepted jobs, got %d", len(accepted))
	}
	for _, j := range accepted {
		if _, err := s.GetJob(j.ID); err != nil {
			t.Errorf("Expected accepted job %s to be stored, got %v", j.ID, err)
		}
	}
	for _, j := range rejected {
		if _, err := s.GetJob(j.ID); err != storage.ErrNotFound {
			t.Errorf("Expected rejected job %s not to be stored, got %v", j.ID, err)
		}
	}

	ids, err := s.RecentJobIDs(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 recent jobs, got %v", ids)
	}
}

func TestProcessorStart(t *testing.T) {
	health := stubChecker(t)
	f := newFixture(t, `printf 'RIFF' > "$OUT/Song.wav"`)

	p, err := New(f.e, nil, f.out, 4, logger)
	if err != nil {
		t.Fatal(err)
	}

	closeCh := make(chan struct{})
	go p.Start(closeCh)

	if err = p.Submit(testJob(t)); err != nil {
		t.Fatal(err)
	}
	_, jobs, err := job.NewBatch([]string{"https://youtu.be/one", "https://youtu.be/two"})
	if err != nil {
		t.Fatal(err)
	}
	if err = p.SubmitBatch("batch", jobs); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "batch summary", func() bool {
		last := f.rec.Last()
		return last.JobID == "batch" && last.Progress == 100
	})
	if n := len(f.attempts(t)); n != 3 {
		t.Errorf("Expected 3 tool runs, got %d", n)
	}

	if u := p.DiskUsage(); u != 42 {
		t.Errorf("Expected disk usage 42, got %d", u)
	}

	health <- diskcheck.Sick
	waitFor(t, "sick disk", func() bool { return !p.Healthy() })
	if err = p.Submit(testJob(t)); err != ErrDiskSick {
		t.Errorf("Expected ErrDiskSick, got %v", err)
	}

	health <- diskcheck.Healthy
	waitFor(t, "healthy disk", p.Healthy)

	closeCh <- struct{}{}
	select {
	case <-closeCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Processor did not shut down")
	}
}

func TestRogueCollection(t *testing.T) {
	s := testStorage(t)

	cases := []struct {
		j        job.Job
		expected job.State
	}{
		{job.Job{ID: "inprogress", URL: "https://youtu.be/a", State: job.StateInProgress}, job.StateFailed},
		{job.Job{ID: "pending", URL: "https://youtu.be/b", State: job.StatePending}, job.StateFailed},
		{job.Job{ID: "success", URL: "https://youtu.be/c", State: job.StateSuccess}, job.StateSuccess},
	}
	for _, tc := range cases {
		j := tc.j
		if err := s.SaveJob(&j); err != nil {
			t.Fatal(err)
		}
	}

	p, err := New(nil, s, tempDir(t, "storage"), 1, logger)
	if err != nil {
		t.Fatal(err)
	}
	p.collectRogueJobs()

	for _, tc := range cases {
		j, err := s.GetJob(tc.j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if j.State != tc.expected {
			t.Errorf("%s: expected state %s, got %s", j.ID, tc.expected, j.State)
		}
		if tc.expected == job.StateFailed && j.Meta != rogueJobMeta {
			t.Errorf("%s: expected meta %q, got %q", j.ID, rogueJobMeta, j.Meta)
		}
	}
}

func TestSubmitPersistsJob(t *testing.T) {
	s := testStorage(t)

	p, err := New(nil, s, tempDir(t, "storage"), 1, logger)
	if err != nil {
		t.Fatal(err)
	}

	j := testJob(t)
	if err = p.Submit(j); err != nil {
		t.Fatal(err)
	}

	stored, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != job.StatePending {
		t.Errorf("Expected state %s, got %s", job.StatePending, stored.State)
	}
	ids, err := s.RecentJobIDs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != j.ID {
		t.Errorf("Expected recent jobs [%s], got %v", j.ID, ids)
	}
}

func TestProcessorBusy(t *testing.T) {
	stubChecker(t)
	f := newFixture(t, `
touch "$OUT/started"
while [ ! -f "$OUT/release" ]; do sleep 0.05; done`)

	p, err := New(f.e, nil, f.out, 1, logger)
	if err != nil {
		t.Fatal(err)
	}
	if p.Busy() {
		t.Error("Expected idle processor before Start")
	}

	closeCh := make(chan struct{})
	go p.Start(closeCh)

	if err = p.Submit(testJob(t)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tool start", func() bool {
		_, err := os.Stat(filepath.Join(f.out, "started"))
		return err == nil
	})
	if !p.Busy() {
		t.Error("Expected busy processor while the tool runs")
	}

	if err = ioutil.WriteFile(filepath.Join(f.out, "release"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle processor", func() bool { return !p.Busy() })

	closeCh <- struct{}{}
	<-closeCh
}
