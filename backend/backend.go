package backend

import (
	"context"

	"github.com/skroutz/extractor/job"
)

// Backend is the interface that wraps the basic Notify method.
//
// Backend implementations are responsible for delivering status events
// through some outward notification channel (eg. HTTP, Kafka) in addition
// to the live observers of the events stream.
type Backend interface {
	// Start() initializes the backend. Start() must be called once, before
	// any calls to Notify.
	Start(context.Context, map[string]interface{}) error

	// Notify() delivers ev to dst. Depending on the underlying
	// implementation, Notify might be an asynchronous operation so a nil
	// error does NOT necessarily mean the event was delivered.
	// To check for the result of a delivery use DeliveryReports().
	//
	// The meaning of dst depends on the backend: a URL for HTTP, a topic
	// for Kafka, a queue URL for SQS.
	Notify(dst string, ev job.Event) error

	// ID returns a constant string used as an identifier for the
	// concrete backend implementation.
	ID() string

	// DeliveryReports() is used to communicate the results of deliveries.
	//
	// Even if a report received from this channel is successful that
	// does not mean that the event has been consumed on the other end.
	DeliveryReports() <-chan Report

	// Stop() closes the delivery reports channel and performs finalization
	// actions. After calling Stop() the backend is no longer usable.
	Stop() error
}

// Report is the outcome of delivering an event.
type Report struct {
	Event     job.Event
	Delivered bool
	Error     string
}
