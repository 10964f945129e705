package job

import (
	"encoding/json"
	"errors"
)

// EventKind names the outward facing status events.
type EventKind string

// The available event kinds.
const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// File describes an artifact as reported to observers and by the listing.
type File struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Size     string `json:"size"`

	// Type is the detected mime type. Only the listing fills it in.
	Type string `json:"type,omitempty"`
}

// BatchState holds the running tally of a batch. It only ever grows.
type BatchState struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether every job of the batch has been accounted for.
func (b BatchState) Done() bool {
	return b.Completed+b.Failed >= b.Total
}

// Event is a transient status record pushed to observers. It is never
// persisted.
type Event struct {
	Kind EventKind `json:"event"`

	// JobID is the job or batch the event refers to.
	JobID string `json:"job_id,omitempty"`

	Progress int
	Status   string
	Error    string
	Files    []File
	Batch    *BatchState
}

type progressPayload struct {
	Progress int         `json:"progress"`
	Status   string      `json:"status"`
	Batch    *BatchState `json:"batch,omitempty"`
}

type completePayload struct {
	Files []File `json:"files"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type envelope struct {
	Kind  EventKind       `json:"event"`
	JobID string          `json:"job_id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Progress returns a progress event. p is clamped to 0-100.
func Progress(id string, p int, status string) Event {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	return Event{Kind: EventProgress, JobID: id, Progress: p, Status: status}
}

// Complete returns a complete event for files.
func Complete(id string, files ...File) Event {
	if files == nil {
		files = []File{}
	}
	return Event{Kind: EventComplete, JobID: id, Files: files}
}

// Failure returns an error event.
func Failure(id string, msg string) Event {
	return Event{Kind: EventError, JobID: id, Error: msg}
}

// Payload returns the kind specific body of e encoded as JSON.
func (e Event) Payload() ([]byte, error) {
	switch e.Kind {
	case EventProgress:
		return json.Marshal(progressPayload{e.Progress, e.Status, e.Batch})
	case EventComplete:
		files := e.Files
		if files == nil {
			files = []File{}
		}
		return json.Marshal(completePayload{files})
	case EventError:
		return json.Marshal(errorPayload{e.Error})
	}
	return nil, errors.New("Unknown event kind: " + string(e.Kind))
}

// Bytes returns e wrapped in its envelope and encoded as JSON.
func (e Event) Bytes() ([]byte, error) {
	data, err := e.Payload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: e.Kind, JobID: e.JobID, Data: data})
}

// MarshalJSON encodes e as its envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	return e.Bytes()
}

// UnmarshalJSON decodes an envelope produced by Bytes.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	ev := Event{Kind: env.Kind, JobID: env.JobID}
	var err error
	switch env.Kind {
	case EventProgress:
		var p progressPayload
		err = json.Unmarshal(env.Data, &p)
		ev.Progress, ev.Status, ev.Batch = p.Progress, p.Status, p.Batch
	case EventComplete:
		var p completePayload
		err = json.Unmarshal(env.Data, &p)
		ev.Files = p.Files
	case EventError:
		var p errorPayload
		err = json.Unmarshal(env.Data, &p)
		ev.Error = p.Error
	default:
		return errors.New("Unknown event kind: " + string(env.Kind))
	}
	if err != nil {
		return err
	}
	*e = ev
	return nil
}
