package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"queuewatch/internal/config"
)

// SQS ReceiveMessage limits.
const (
	sqsMaxBatch    = 10
	sqsMaxWaitSecs = 20
)

// SQSAPI is the subset of the SQS client used by the transport.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSTransport consumes Amazon SQS queues with long polling.
type SQSTransport struct{ client SQSAPI }

var (
	_ Transport = (*SQSTransport)(nil)
	_ Sender    = (*SQSTransport)(nil)
)

func NewSQSTransport(client SQSAPI) *SQSTransport { return &SQSTransport{client: client} }

func (t *SQSTransport) queueURL(ctx context.Context, name string) (string, error) {
	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("resolve queue url for %s: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

func (t *SQSTransport) Open(ctx context.Context, opts config.QueueOptions) (Receiver, error) {
	url, err := t.queueURL(ctx, opts.Name)
	if err != nil {
		return nil, err
	}
	return &sqsReceiver{
		client:     t.client,
		url:        url,
		waitSecs:   clampSeconds(opts.WaitTime, sqsMaxWaitSecs),
		visibility: opts.VisibilityTimeout,
	}, nil
}

func (t *SQSTransport) Send(ctx context.Context, queueName string, body []byte) (string, error) {
	url, err := t.queueURL(ctx, queueName)
	if err != nil {
		return "", err
	}
	out, err := t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

type sqsReceiver struct {
	client     SQSAPI
	url        string
	waitSecs   int32
	visibility time.Duration
}

func (r *sqsReceiver) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(r.url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       r.waitSecs,
		AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameAll},
		MessageAttributeNames: []string{"All"},
	}
	if r.visibility > 0 {
		in.VisibilityTimeout = int32(r.visibility / time.Second)
	}
	out, err := r.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
			Attributes:    map[string]string{},
		}
		for k, v := range m.Attributes {
			msg.Attributes[k] = v
		}
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				msg.Attributes[k] = *v.StringValue
			}
		}
		if n, err := strconv.Atoi(m.Attributes["ApproximateReceiveCount"]); err == nil {
			msg.ReceiveCount = n
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *sqsReceiver) ChangeVisibility(ctx context.Context, m Message, d time.Duration) error {
	_, err := r.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.url),
		ReceiptHandle:     aws.String(m.ReceiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	return err
}

func (r *sqsReceiver) Delete(ctx context.Context, m Message) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.url),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	return err
}

func (r *sqsReceiver) Close() error { return nil }

func clampSeconds(d time.Duration, max int32) int32 {
	s := int32(d / time.Second)
	if s < 0 {
		return 0
	}
	if s > max {
		return max
	}
	return s
}
