package sqsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/skroutz/extractor/backend"
	"github.com/skroutz/extractor/job"
)

// Backend delivers events by sending their envelope to an SQS queue.
type Backend struct {
	svc     sqsiface.SQSAPI
	reports chan backend.Report
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start starts the backend by creating an SQS client,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok {
		return errors.New("region must be a string")
	}

	// Create a session that gets credential values from ~/.aws/credentials
	// and the default region from ~/.aws/config
	sqsSession, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return err
	}

	b.reports = make(chan backend.Report)
	b.svc = sqs.New(sqsSession)

	return nil
}

// Notify sends ev as an SQS message to the queue denoted by url. The event
// kind travels as a message attribute so consumers can filter on it.
func (b *Backend) Notify(url string, ev job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	_, err = b.svc.SendMessage(&sqs.SendMessageInput{
		MessageBody: aws.String(string(payload[:])),
		QueueUrl:    aws.String(url),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Kind)),
			},
		},
	})

	if err != nil {
		return fmt.Errorf("Got an error sending the message: %s", err.Error())
	}

	b.reports <- backend.Report{Event: ev, Delivered: true}
	return nil
}

// DeliveryReports returns a channel of delivered events
func (b *Backend) DeliveryReports() <-chan backend.Report {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
