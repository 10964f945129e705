package storage

import (
	"reflect"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"github.com/skroutz/extractor/job"
)

// testStorage returns a Storage on an empty database, skipping the test if
// no Redis server is reachable on localhost.
func testStorage(t *testing.T) *Storage {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 3})
	s, err := New(client)
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

func testJob() *job.Job {
	return &job.Job{
		ID:           "TestJob",
		URL:          "https://www.youtube.com/watch?v=abc",
		BatchID:      "TestBatch",
		BatchIndex:   1,
		BatchTotal:   3,
		State:        job.StateSuccess,
		Attempts:     2,
		ExitCode:     0,
		SuccessCount: 1,
		ErrorCount:   4,
		File:         "Song.wav",
		Meta:         "some meta",
	}
}

func TestSaveAndGetJob(t *testing.T) {
	s := testStorage(t)
	j := testJob()

	if err := s.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	actual, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(actual, *j) {
		t.Errorf("Expected %#v, got %#v", *j, actual)
	}

	missing, err := s.GetJob("missing")
	if err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if missing.ID != "missing" {
		t.Errorf("Expected job with ID missing, got %s", missing.ID)
	}
}

func TestJobFromMap(t *testing.T) {
	_, err := jobFromMap(map[string]string{"ID": "a", "Attempts": "many"})
	if err == nil {
		t.Error("Expected error for non numeric field")
	}

	_, err = jobFromMap(map[string]string{"ID": "a", "Unknown": "x"})
	if err == nil {
		t.Error("Expected error for unknown field")
	}
}

func TestQueueJobs(t *testing.T) {
	s := testStorage(t)

	var jobs []*job.Job
	for _, id := range []string{"a", "b", "c"} {
		jobs = append(jobs, &job.Job{ID: id, URL: "https://youtu.be/" + id, BatchID: "B", BatchTotal: 3, State: job.StateFailed})
	}
	if err := s.QueueJobs(jobs...); err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.State != job.StatePending {
			t.Errorf("Expected state %s, got %s", job.StatePending, j.State)
		}
	}

	ids, err := s.RecentJobIDs(2)
	if err != nil {
		t.Fatal(err)
	}
	if expected := []string{"c", "b"}; !reflect.DeepEqual(ids, expected) {
		t.Errorf("Expected %v, got %v", expected, ids)
	}

	b, members, err := s.GetBatch("B")
	if err != nil {
		t.Fatal(err)
	}
	if expected := (job.BatchState{Total: 3}); b != expected {
		t.Errorf("Expected %+v, got %+v", expected, b)
	}
	if expected := []string{"a", "b", "c"}; !reflect.DeepEqual(members, expected) {
		t.Errorf("Expected %v, got %v", expected, members)
	}

	err = s.SaveBatch("B", job.BatchState{Total: 3, Completed: 1, Failed: 1})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err = s.GetBatch("B")
	if err != nil {
		t.Fatal(err)
	}
	if expected := (job.BatchState{Total: 3, Completed: 1, Failed: 1}); b != expected {
		t.Errorf("Expected %+v, got %+v", expected, b)
	}

	if _, _, err = s.GetBatch("missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestJobsInState(t *testing.T) {
	s := testStorage(t)

	states := map[string]job.State{
		"running1": job.StateInProgress,
		"running2": job.StateInProgress,
		"done":     job.StateSuccess,
	}
	for id, st := range states {
		if err := s.SaveJob(&job.Job{ID: id, State: st}); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.JobsInState(job.StateInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.State != job.StateInProgress {
			t.Errorf("Expected in progress job, got %s", j)
		}
	}
}

func TestPubSub(t *testing.T) {
	s := testStorage(t)

	ps, err := s.Subscribe("test-events")
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	if err = s.Publish("test-events", []byte(`{"event":"progress"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ps.Channel():
		if msg.Payload != `{"event":"progress"}` {
			t.Errorf("Unexpected payload %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for message")
	}
}

func TestStats(t *testing.T) {
	s := testStorage(t)

	stats, err := s.GetStats("processor")
	if err != nil {
		t.Fatal(err)
	}
	if stats != nil {
		t.Errorf("Expected no stats, got %s", stats)
	}

	if err = s.SetStats("processor", `{"jobs": 1}`, time.Minute); err != nil {
		t.Fatal(err)
	}
	stats, err = s.GetStats("processor")
	if err != nil {
		t.Fatal(err)
	}
	if string(stats) != `{"jobs": 1}` {
		t.Errorf("Unexpected stats %s", stats)
	}
}
