// Package queue wraps the FIFO auth request queue (SQS). The publisher side
// serves the outbox dispatcher; the consumer side long-polls and feeds the
// worker handler.
package queue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/pb"
)

// API is the slice of the SQS client the queue needs. *sqs.SQS satisfies it;
// tests substitute a fake.
type API interface {
	SendMessageWithContext(ctx aws.Context, input *sqs.SendMessageInput, opts ...request.Option) (*sqs.SendMessageOutput, error)
	ReceiveMessageWithContext(ctx aws.Context, input *sqs.ReceiveMessageInput, opts ...request.Option) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageWithContext(ctx aws.Context, input *sqs.DeleteMessageInput, opts ...request.Option) (*sqs.DeleteMessageOutput, error)
}

// Queue is a FIFO queue handle.
type Queue struct {
	client         API
	url            string
	waitSeconds    int64
	visibilitySecs int64
	logger         *log.Logger
}

// Options configures a Queue.
type Options struct {
	URL                      string
	Region                   string
	WaitTimeSeconds          int64
	VisibilityTimeoutSeconds int64
}

// New dials SQS in the configured region.
func New(opts Options) (*Queue, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(opts.Region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewWithClient(sqs.New(sess), opts), nil
}

// NewWithClient builds a Queue over an existing client. Used by tests.
func NewWithClient(client API, opts Options) *Queue {
	return &Queue{
		client:         client,
		url:            opts.URL,
		waitSeconds:    opts.WaitTimeSeconds,
		visibilitySecs: opts.VisibilityTimeoutSeconds,
		logger:         log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Enqueue sends one binary payload. groupID serializes deliveries per tenant;
// dedupID (the outbox row id) makes dispatcher re-sends harmless.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, groupID, dedupID string) error {
	_, err := q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.url),
		MessageBody:            aws.String(pb.EncodeQueueBody(payload)),
		MessageGroupId:         aws.String(groupID),
		MessageDeduplicationId: aws.String(dedupID),
	})
	if err != nil {
		return fmt.Errorf("send message (group=%s): %w", groupID, err)
	}
	return nil
}

// Message is one received queue entry, decoded for the handler.
type Message struct {
	Payload       pb.AuthRequestQueuedMessage
	ReceiveCount  int
	ReceiptHandle string
}

// Handler processes one message and reports its disposition.
type Handler interface {
	Handle(ctx context.Context, msg Message) Disposition
}

// Disposition tells the consumer what to do with the message afterwards.
type Disposition int

const (
	// Ack deletes the message; processing reached a settled outcome.
	Ack Disposition = iota
	// Retry leaves the message; visibility timeout will re-expose it.
	Retry
)

// Consume long-polls until ctx is cancelled, dispatching each message to the
// handler. Messages that fail to decode are deleted outright so a poison
// pill cannot wedge its message group.
func (q *Queue) Consume(ctx context.Context, handler Handler) {
	q.logger.Printf("📥 consuming %s (wait=%ds visibility=%ds)", q.url, q.waitSeconds, q.visibilitySecs)
	for {
		if ctx.Err() != nil {
			q.logger.Println("consumer stopped")
			return
		}

		out, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.url),
			MaxNumberOfMessages: aws.Int64(10),
			WaitTimeSeconds:     aws.Int64(q.waitSeconds),
			VisibilityTimeout:   aws.Int64(q.visibilitySecs),
			AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Printf("receive failed: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}

		for _, raw := range out.Messages {
			monitoring.QueueMessagesReceived.Inc()
			msg, err := decode(raw)
			if err != nil {
				q.logger.Printf("dropping undecodable message: %v", err)
				monitoring.QueuePoisonMessages.Inc()
				q.delete(ctx, aws.StringValue(raw.ReceiptHandle))
				continue
			}
			if handler.Handle(ctx, msg) == Ack {
				q.delete(ctx, msg.ReceiptHandle)
			}
		}
	}
}

func (q *Queue) delete(ctx context.Context, receiptHandle string) {
	_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		// Failed deletes redeliver; the lock and dedup make that safe.
		q.logger.Printf("delete failed: %v", err)
	}
}

func decode(raw *sqs.Message) (Message, error) {
	body, err := pb.DecodeQueueBody(aws.StringValue(raw.Body))
	if err != nil {
		return Message{}, err
	}
	var payload pb.AuthRequestQueuedMessage
	if err := pb.Unmarshal(body, &payload); err != nil {
		return Message{}, err
	}
	if payload.AuthRequestId == "" {
		return Message{}, fmt.Errorf("queue message missing auth_request_id")
	}

	count := 1
	if v, ok := raw.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok && v != nil {
		if n, err := strconv.Atoi(*v); err == nil {
			count = n
		}
	}
	return Message{
		Payload:       payload,
		ReceiveCount:  count,
		ReceiptHandle: aws.StringValue(raw.ReceiptHandle),
	}, nil
}
