package kafkabackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/skroutz/extractor/backend"
	"github.com/skroutz/extractor/job"
)

// FlushTimeout is the timeout we give to our kafka producer
// to flush pending messages.
const FlushTimeout = 5000

// Backend delivers events by producing their envelope to a Kafka topic.
// Messages are keyed by job id so the events of a job stay ordered within
// a partition.
type Backend struct {
	producer *kafka.Producer
	reports  chan backend.Report
	eventsWg *sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start starts the backend by creating a producer,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	var err error

	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		err := kafkaCfg.SetKey(k, v)
		if err != nil {
			return err
		}
	}

	b.producer, err = kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}

	b.reports = make(chan backend.Report)
	b.eventsWg = new(sync.WaitGroup)

	// start a go routine to monitor Kafka's Events channel
	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream(ctx)
	}()

	return nil
}

// Notify produces a Kafka message to topic.
func (b *Backend) Notify(topic string, ev job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.JobID),
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// DeliveryReports returns a channel of delivery reports
func (b *Backend) DeliveryReports() <-chan backend.Report {
	return b.reports
}

// Stop gracefully terminates b after flushing any outstanding messages to Kafka.
// An error is returned if (and only if) not all messages were flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()
	close(b.reports)

	return err
}

// transformStream iterates over the Events channel of Kafka, transforms
// each message back to its event and enqueues a report to b.reports.
func (b *Backend) transformStream(ctx context.Context) {
	for {
		select {
		case e, ok := <-b.producer.Events():
			if !ok {
				return
			}

			switch m := e.(type) {
			case *kafka.Message:
				var report backend.Report

				err := report.Event.UnmarshalJSON(m.Value)
				if err != nil {
					report.Error = fmt.Sprintf("Could not unmarshall Value %s to event", m.Value)
				} else if m.TopicPartition.Error != nil {
					report.Error = m.TopicPartition.Error.Error()
				} else {
					report.Delivered = true
				}

				b.reports <- report
			}
		}
	}
}
