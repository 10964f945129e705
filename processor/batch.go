package processor

import (
	"fmt"

	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/extractor/job"
)

const (
	statsBatches = "batches" //Counter
)

// ExecuteBatch runs jobs one after the other, in order, and returns the
// final tally of the batch.
//
// All events of a batch are published under batchID: a starting
// announcement, one milestone before every job and a final summary carrying
// the tally. The jobs themselves run quietly. A failed job is counted and
// the batch moves on to the next one.
func (e *Executor) ExecuteBatch(batchID string, jobs []*job.Job) job.BatchState {
	n := len(jobs)
	state := job.BatchState{Total: n}

	e.stats.Add(statsBatches, 1)
	level.Info(e.Log).Log("msg", "Starting batch", "batch", batchID, "jobs", n)

	e.publish(job.Progress(batchID, 0, fmt.Sprintf("Starting batch download of %d URLs...", n)))
	e.saveBatch(batchID, state)

	for i, j := range jobs {
		e.publish(job.Progress(batchID, i*100/n,
			fmt.Sprintf("Downloading %d/%d: %s", i+1, n, j.URL)))

		e.run(j, true)
		if j.State.Succeeded() {
			state.Completed++
		} else {
			state.Failed++
		}
		e.saveBatch(batchID, state)
	}

	summary := job.Progress(batchID, 100,
		fmt.Sprintf("Batch download completed! %d successful, %d failed.", state.Completed, state.Failed))
	tally := state
	summary.Batch = &tally
	e.publish(summary)

	level.Info(e.Log).Log("msg", "Batch finished", "batch", batchID,
		"completed", state.Completed, "failed", state.Failed)

	return state
}

func (e *Executor) saveBatch(id string, state job.BatchState) {
	if e.Storage == nil {
		return
	}
	if err := e.Storage.SaveBatch(id, state); err != nil {
		level.Error(e.Log).Log("msg", "Could not save batch", "batch", id, "err", err)
	}
}
