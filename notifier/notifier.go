// Package notifier fans status events out to live observers and to the
// configured delivery backends.
//
// Live observers are reached through Redis Pub/Sub: every event is
// PUBLISHed on a single channel and each observer holds its own
// subscription. Observers connected when an event is published receive it;
// there is no replay for late subscribers.
//
// Backends (HTTP webhooks, Kafka topics, SQS queues) are fed from a bounded
// in-memory queue by a single dispatcher goroutine, so each backend sees the
// events in publication order. When the queue is full events are dropped;
// delivery is best effort and never holds up a job.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/extractor/backend"
	httpbackend "github.com/skroutz/extractor/backend/http_backend"
	kafkabackend "github.com/skroutz/extractor/backend/kafka_backend"
	sqsbackend "github.com/skroutz/extractor/backend/sqs_backend"
	"github.com/skroutz/extractor/job"
	"github.com/skroutz/extractor/stats"
	"github.com/skroutz/extractor/storage"
)

const (
	// DefaultQueueSize is the capacity of the backend dispatch queue.
	DefaultQueueSize = 256

	subscriberBuffer = 64

	// destinationKey is the backend config entry naming where events are
	// delivered. It is stripped before the config reaches the backend.
	destinationKey = "destination"

	//Metric Identifiers
	statsPublished        = "published"        //Counter
	statsPublishFailures  = "publishFailures"  //Counter
	statsDropped          = "dropped"          //Counter
	statsDelivered        = "delivered"        //Counter
	statsDeliveryFailures = "deliveryFailures" //Counter
	statsSubscribers      = "subscribers"      //Gauge
)

// ErrUnknownBackend is returned by Start for backend ids with no
// implementation.
var ErrUnknownBackend = errors.New("Unknown backend")

// backends holds the available backend implementations by ID.
var backends = map[string]func() backend.Backend{
	"http":  func() backend.Backend { return &httpbackend.Backend{} },
	"kafka": func() backend.Backend { return &kafkabackend.Backend{} },
	"sqs":   func() backend.Backend { return &sqsbackend.Backend{} },
}

type target struct {
	backend backend.Backend
	dst     string
}

// Broadcaster publishes status events. Publish is safe for concurrent use.
type Broadcaster struct {
	Storage *storage.Storage

	// Channel is the Pub/Sub channel events are published on.
	Channel string

	Log log.Logger

	targets []target
	queue   chan job.Event

	// guards queue against sends after Stop
	mu      sync.RWMutex
	stopped bool

	dispatchWg sync.WaitGroup
	reportsWg  sync.WaitGroup

	stats *stats.Stats
}

// New returns a Broadcaster publishing on storage.EventsChannel. Backends
// are only fed once Start is called.
func New(s *storage.Storage, logger log.Logger) *Broadcaster {
	return &Broadcaster{
		Storage: s,
		Channel: storage.EventsChannel,
		Log:     log.With(logger, "component", "notifier"),
		queue:   make(chan job.Event, DefaultQueueSize),
		stats:   stats.New("Notifier", time.Second, func(*expvar.Map) {}),
	}
}

// Start starts the backends described by cfgs, keyed by backend ID, and
// the dispatcher feeding them. Each config must name its destination.
//
// The backends are stopped by Stop, not by ctx.
func (b *Broadcaster) Start(ctx context.Context, cfgs map[string]map[string]interface{}) error {
	for id, cfg := range cfgs {
		newBackend, ok := backends[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
		}
		dst, ok := cfg[destinationKey].(string)
		if !ok || dst == "" {
			return fmt.Errorf("Backend %s: %s must be a non-empty string", id, destinationKey)
		}

		bcfg := make(map[string]interface{})
		for k, v := range cfg {
			if k != destinationKey {
				bcfg[k] = v
			}
		}

		be := newBackend()
		if err := be.Start(ctx, bcfg); err != nil {
			return fmt.Errorf("Could not start backend %s: %s", id, err)
		}
		b.AddBackend(be, dst)
	}

	b.dispatchWg.Add(1)
	go func() {
		defer b.dispatchWg.Done()
		b.dispatch()
	}()

	level.Info(b.Log).Log("msg", "Started", "backends", len(b.targets))
	return nil
}

// AddBackend registers an already started backend delivering to dst. It
// must be called before Start.
func (b *Broadcaster) AddBackend(be backend.Backend, dst string) {
	b.targets = append(b.targets, target{be, dst})

	b.reportsWg.Add(1)
	go func() {
		defer b.reportsWg.Done()
		b.consumeReports(be)
	}()
}

// Publish sends ev to the current subscribers and queues it for the
// backends. It never blocks on slow backends and never fails; errors are
// logged and counted.
func (b *Broadcaster) Publish(ev job.Event) {
	payload, err := ev.Bytes()
	if err != nil {
		level.Error(b.Log).Log("msg", "Could not encode event", "job", ev.JobID, "err", err)
		b.stats.Add(statsPublishFailures, 1)
		return
	}

	if b.Storage != nil {
		if err := b.Storage.Publish(b.Channel, payload); err != nil {
			level.Error(b.Log).Log("msg", "Could not publish event", "job", ev.JobID, "err", err)
			b.stats.Add(statsPublishFailures, 1)
		} else {
			b.stats.Add(statsPublished, 1)
		}
	}

	if len(b.targets) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	select {
	case b.queue <- ev:
	default:
		level.Warn(b.Log).Log("msg", "Dispatch queue full, dropping event", "job", ev.JobID, "event", ev.Kind)
		b.stats.Add(statsDropped, 1)
	}
}

// Subscribe returns a channel receiving every event published after
// Subscribe returns, until ctx is done. The channel is then closed.
//
// A subscriber that does not keep up only delays itself.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan job.Event, error) {
	if b.Storage == nil {
		return nil, errors.New("Subscribe needs a storage")
	}

	ps, err := b.Storage.Subscribe(b.Channel)
	if err != nil {
		return nil, err
	}
	b.stats.Add(statsSubscribers, 1)

	out := make(chan job.Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer b.stats.Add(statsSubscribers, -1)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev job.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					level.Warn(b.Log).Log("msg", "Skipping undecodable event", "err", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Stop drains the dispatch queue and stops the backends.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.queue)
	b.mu.Unlock()

	b.dispatchWg.Wait()

	for _, t := range b.targets {
		if err := t.backend.Stop(); err != nil {
			level.Error(b.Log).Log("msg", "Error stopping backend", "backend", t.backend.ID(), "err", err)
		}
	}
	b.reportsWg.Wait()

	level.Info(b.Log).Log("msg", "Stopped",
		"published", b.stats.Counter(statsPublished),
		"delivered", b.stats.Counter(statsDelivered),
		"dropped", b.stats.Counter(statsDropped))
}

// dispatch hands queued events to every backend until the queue is closed.
func (b *Broadcaster) dispatch() {
	for ev := range b.queue {
		for _, t := range b.targets {
			if err := t.backend.Notify(t.dst, ev); err != nil {
				level.Warn(b.Log).Log("msg", "Delivery failed", "backend", t.backend.ID(), "job", ev.JobID, "err", err)
				b.stats.Add(statsDeliveryFailures, 1)
			}
		}
	}
}

// consumeReports drains the delivery reports of be until it is stopped.
func (b *Broadcaster) consumeReports(be backend.Backend) {
	for r := range be.DeliveryReports() {
		if r.Delivered {
			b.stats.Add(statsDelivered, 1)
			continue
		}
		level.Warn(b.Log).Log("msg", "Delivery failed", "backend", be.ID(), "job", r.Event.JobID, "err", r.Error)
		b.stats.Add(statsDeliveryFailures, 1)
	}
}
