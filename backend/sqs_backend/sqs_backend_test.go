package sqsbackend

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/skroutz/extractor/backend"
	"github.com/skroutz/extractor/job"
)

type fakeSQS struct {
	sqsiface.SQSAPI

	fail  bool
	input *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(in *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
	if f.fail {
		return nil, errors.New("AccessDenied")
	}
	f.input = in
	return &sqs.SendMessageOutput{MessageId: aws.String("35316d5a")}, nil
}

func TestNotify(t *testing.T) {
	svc := &fakeSQS{}
	b := &Backend{svc: svc, reports: make(chan backend.Report, 1)}

	ev := job.Complete("job1", job.File{Name: "Song.wav", Filename: "Song.wav", Size: "3 MB"})
	if err := b.Notify("https://sqs.eu-west-1.amazonaws.com/1/events", ev); err != nil {
		t.Fatal(err)
	}

	if aws.StringValue(svc.input.QueueUrl) != "https://sqs.eu-west-1.amazonaws.com/1/events" {
		t.Errorf("Unexpected queue url %s", aws.StringValue(svc.input.QueueUrl))
	}
	expected, _ := ev.Bytes()
	if aws.StringValue(svc.input.MessageBody) != string(expected) {
		t.Errorf("Expected body %s, got %s", expected, aws.StringValue(svc.input.MessageBody))
	}
	if kind := aws.StringValue(svc.input.MessageAttributes["event"].StringValue); kind != "complete" {
		t.Errorf("Expected event attribute complete, got %s", kind)
	}

	report := <-b.DeliveryReports()
	if !report.Delivered || report.Event.JobID != "job1" {
		t.Errorf("Unexpected report %+v", report)
	}

	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestNotifyFailure(t *testing.T) {
	b := &Backend{svc: &fakeSQS{fail: true}, reports: make(chan backend.Report, 1)}

	if err := b.Notify("queue", job.Failure("job1", "boom")); err == nil {
		t.Fatal("Expected error")
	}
	select {
	case r := <-b.DeliveryReports():
		t.Errorf("Expected no report, got %+v", r)
	default:
	}
}

func TestStartRequiresRegion(t *testing.T) {
	b := &Backend{}
	if err := b.Start(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("Expected error without region")
	}
}
