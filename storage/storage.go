// Package storage is an abstraction/utility layer over Redis.
package storage

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/skroutz/extractor/job"

	"github.com/go-redis/redis"
)

const (
	// Each Job has a corresponding Redis Hash named in the form
	// "<JobKeyPrefix><job-id>"
	JobKeyPrefix = "job:"

	// Each batch has a corresponding Redis Hash named in the form
	// "<BatchKeyPrefix><batch-id>" holding its tally. The IDs of its jobs
	// exist in a Redis List named "<BatchKeyPrefix><batch-id>:jobs".
	BatchKeyPrefix = "batch:"

	// RecentJobs is a capped Redis List of the most recently queued job IDs,
	// newest first.
	RecentJobs = "RecentJobs"

	// EventsChannel is the Pub/Sub channel status events are published on.
	EventsChannel = "events"

	// Prefix for stats related entries
	statsPrefix = "stats"

	recentJobsLimit = 100
)

var (
	// ErrNotFound is returned by GetJob and GetBatch when a requested job,
	// or batch respectively is not found in Redis.
	ErrNotFound = errors.New("Not Found")
)

// Storage wraps a redis.Client instance.
type Storage struct {
	Redis *redis.Client
}

// New returns a new Storage that can communicate with Redis. If Redis
// is not up an error will be returned.
func New(r *redis.Client) (*Storage, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return nil, fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &Storage{Redis: r}, nil
}

// SaveJob updates or creates j in Redis.
func (s *Storage) SaveJob(j *job.Job) error {
	m, err := jobToMap(j)
	if err != nil {
		return err
	}
	return s.Redis.HMSet(JobKeyPrefix+j.ID, m).Err()
}

// QueueJobs sets the state of jobs to "Pending" and saves them in a single
// transaction, recording them as recently queued. Batch jobs are appended to
// their batch, whose tally is created with them.
func (s *Storage) QueueJobs(jobs ...*job.Job) error {
	maps := make([]map[string]interface{}, len(jobs))
	for i, j := range jobs {
		j.State = job.StatePending
		m, err := jobToMap(j)
		if err != nil {
			return err
		}
		maps[i] = m
	}

	_, err := s.Redis.TxPipelined(func(pipe redis.Pipeliner) error {
		batches := make(map[string]int)
		for i, j := range jobs {
			pipe.HMSet(JobKeyPrefix+j.ID, maps[i])
			pipe.LPush(RecentJobs, j.ID)
			if j.InBatch() {
				pipe.RPush(BatchKeyPrefix+j.BatchID+":jobs", j.ID)
				batches[j.BatchID] = j.BatchTotal
			}
		}
		pipe.LTrim(RecentJobs, 0, recentJobsLimit-1)
		for id, total := range batches {
			pipe.HMSet(BatchKeyPrefix+id, map[string]interface{}{
				"Total":     total,
				"Completed": 0,
				"Failed":    0,
			})
		}
		return nil
	})
	return err
}

// GetJob fetches the job with the given id from Redis.
// In the case of ErrNotFound, the returned job has valid ID and can be used
// further.
func (s *Storage) GetJob(id string) (job.Job, error) {
	val, err := s.Redis.HGetAll(JobKeyPrefix + id).Result()
	if err != nil {
		return job.Job{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return job.Job{ID: id}, ErrNotFound
	}

	return jobFromMap(val)
}

// RecentJobIDs returns up to n of the most recently queued job IDs, newest
// first.
func (s *Storage) RecentJobIDs(n int) ([]string, error) {
	if n <= 0 || n > recentJobsLimit {
		n = recentJobsLimit
	}
	return s.Redis.LRange(RecentJobs, 0, int64(n-1)).Result()
}

// JobsInState scans Redis for jobs in state st.
func (s *Storage) JobsInState(st job.State) ([]job.Job, error) {
	var jobs []job.Job
	var cursor uint64

	for {
		var keys []string
		var err error
		keys, cursor, err = s.Redis.Scan(cursor, JobKeyPrefix+"*", 50).Result()
		if err != nil {
			return jobs, fmt.Errorf("Error scanning keys: %v", err)
		}

		for _, key := range keys {
			v, err := s.Redis.HGet(key, "State").Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return jobs, err
			}
			if job.State(v) != st {
				continue
			}
			j, err := s.GetJob(strings.TrimPrefix(key, JobKeyPrefix))
			if err != nil {
				if err == ErrNotFound {
					continue
				}
				return jobs, err
			}
			jobs = append(jobs, j)
		}

		if cursor == 0 {
			return jobs, nil
		}
	}
}

// SaveBatch updates or creates the tally of batch id in Redis.
func (s *Storage) SaveBatch(id string, b job.BatchState) error {
	return s.Redis.HMSet(BatchKeyPrefix+id, map[string]interface{}{
		"Total":     b.Total,
		"Completed": b.Completed,
		"Failed":    b.Failed,
	}).Err()
}

// GetBatch fetches the tally of batch id along with the IDs of its jobs.
func (s *Storage) GetBatch(id string) (job.BatchState, []string, error) {
	var b job.BatchState

	val, err := s.Redis.HGetAll(BatchKeyPrefix + id).Result()
	if err != nil {
		return b, nil, err
	}
	if len(val) == 0 {
		return b, nil, ErrNotFound
	}

	for k, v := range val {
		n, err := strconv.Atoi(v)
		if err != nil {
			return b, nil, fmt.Errorf("Could not decode batch from map: %v", err)
		}
		switch k {
		case "Total":
			b.Total = n
		case "Completed":
			b.Completed = n
		case "Failed":
			b.Failed = n
		}
	}

	ids, err := s.Redis.LRange(BatchKeyPrefix+id+":jobs", 0, -1).Result()
	if err != nil {
		return b, nil, err
	}
	return b, ids, nil
}

// Publish publishes payload on channel. Only subscribers connected at that
// time receive it.
func (s *Storage) Publish(channel string, payload []byte) error {
	return s.Redis.Publish(channel, payload).Err()
}

// Subscribe subscribes to channel and waits for the subscription to be
// confirmed, so that no message published after Subscribe returns is
// missed. Callers must Close the returned PubSub.
func (s *Storage) Subscribe(channel string) (*redis.PubSub, error) {
	ps := s.Redis.Subscribe(channel)
	if _, err := ps.Receive(); err != nil {
		ps.Close()
		return nil, fmt.Errorf("Could not subscribe to %s: %s", channel, err)
	}
	return ps, nil
}

func jobToMap(j *job.Job) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	v := reflect.ValueOf(j)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	// we only accept structs
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("jobToMap only accepts structs; got %T", v)
	}

	typ := v.Type()
	for i := 0; i < v.NumField(); i++ {
		// gets us a StructField
		fi := typ.Field(i)
		// set key of map to value in struct field
		out[fi.Name] = v.Field(i).Interface()
	}
	return out, nil
}

// TODO: This is too fragile. Changing the name of a Job field will break this
// method. Is there a better way?
func jobFromMap(m map[string]string) (job.Job, error) {
	var err error
	j := job.Job{}
	for k, v := range m {
		switch k {
		case "ID":
			j.ID = v
		case "URL":
			j.URL = v
		case "BatchID":
			j.BatchID = v
		case "BatchIndex":
			j.BatchIndex, err = strconv.Atoi(v)
		case "BatchTotal":
			j.BatchTotal, err = strconv.Atoi(v)
		case "State":
			j.State = job.State(v)
		case "Attempts":
			j.Attempts, err = strconv.Atoi(v)
		case "ExitCode":
			j.ExitCode, err = strconv.Atoi(v)
		case "SuccessCount":
			j.SuccessCount, err = strconv.Atoi(v)
		case "ErrorCount":
			j.ErrorCount, err = strconv.Atoi(v)
		case "File":
			j.File = v
		case "Meta":
			j.Meta = v
		default:
			return j, fmt.Errorf("Field %s with value %s was not found in Job struct", k, v)
		}
		if err != nil {
			return j, fmt.Errorf("Could not decode struct from map: %v", err)
		}
	}
	return j, nil
}

// GetStats fetches stats prefixed entries from Redis
func (s *Storage) GetStats(id string) ([]byte, error) {
	getCmd := s.Redis.Get(strings.Join([]string{statsPrefix, id}, ":"))

	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	return getCmd.Bytes()
}

// SetStats saves stats in Redis
func (s *Storage) SetStats(id, stats string, expiration time.Duration) error {
	return s.Redis.Set(strings.Join([]string{statsPrefix, id}, ":"), stats, expiration).Err()
}
