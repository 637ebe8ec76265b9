package queue

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/pb"
)

// fakeSQS serves one canned receive batch, then cancels the consumer so
// Consume returns.
type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	deleted  []string
	batch    []*sqs.Message
	served   bool
	stopPoll context.CancelFunc
}

func (f *fakeSQS) SendMessageWithContext(ctx aws.Context, input *sqs.SendMessageInput, opts ...request.Option) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, input)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessageWithContext(ctx aws.Context, input *sqs.ReceiveMessageInput, opts ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served {
		f.stopPoll()
		return &sqs.ReceiveMessageOutput{}, nil
	}
	f.served = true
	return &sqs.ReceiveMessageOutput{Messages: f.batch}, nil
}

func (f *fakeSQS) DeleteMessageWithContext(ctx aws.Context, input *sqs.DeleteMessageInput, opts ...request.Option) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.StringValue(input.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type dispositionHandler struct {
	disposition Disposition
	seen        []Message
}

func (h *dispositionHandler) Handle(ctx context.Context, msg Message) Disposition {
	h.seen = append(h.seen, msg)
	return h.disposition
}

func queuedMessage(t *testing.T, authRequestID string, receiveCount string) *sqs.Message {
	t.Helper()
	payload, err := pb.Marshal(&pb.AuthRequestQueuedMessage{
		AuthRequestId: authRequestID,
		RestaurantId:  "22222222-3333-4444-5555-666666666666",
	})
	require.NoError(t, err)
	return &sqs.Message{
		Body:          aws.String(pb.EncodeQueueBody(payload)),
		ReceiptHandle: aws.String("rh-" + authRequestID),
		Attributes: map[string]*string{
			sqs.MessageSystemAttributeNameApproximateReceiveCount: aws.String(receiveCount),
		},
	}
}

func TestEnqueueSetsFIFOFields(t *testing.T) {
	fake := &fakeSQS{}
	q := NewWithClient(fake, Options{URL: "https://sqs.test/q.fifo"})

	err := q.Enqueue(context.Background(), []byte(`{"auth_request_id":"a"}`), "restaurant-1", "outbox-row-7")
	require.NoError(t, err)

	require.Len(t, fake.sent, 1)
	in := fake.sent[0]
	assert.Equal(t, "https://sqs.test/q.fifo", aws.StringValue(in.QueueUrl))
	assert.Equal(t, "restaurant-1", aws.StringValue(in.MessageGroupId))
	assert.Equal(t, "outbox-row-7", aws.StringValue(in.MessageDeduplicationId))

	decoded, err := base64.StdEncoding.DecodeString(aws.StringValue(in.MessageBody))
	require.NoError(t, err)
	assert.JSONEq(t, `{"auth_request_id":"a"}`, string(decoded))
}

func TestConsumeAcksAndDeletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeSQS{
		batch:    []*sqs.Message{queuedMessage(t, "req-1", "3")},
		stopPoll: cancel,
	}
	q := NewWithClient(fake, Options{URL: "u", WaitTimeSeconds: 1, VisibilityTimeoutSeconds: 30})
	h := &dispositionHandler{disposition: Ack}

	q.Consume(ctx, h)

	require.Len(t, h.seen, 1)
	assert.Equal(t, "req-1", h.seen[0].Payload.AuthRequestId)
	assert.Equal(t, 3, h.seen[0].ReceiveCount)
	assert.Equal(t, []string{"rh-req-1"}, fake.deleted)
}

func TestConsumeRetryLeavesMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeSQS{
		batch:    []*sqs.Message{queuedMessage(t, "req-2", "1")},
		stopPoll: cancel,
	}
	q := NewWithClient(fake, Options{URL: "u"})
	h := &dispositionHandler{disposition: Retry}

	q.Consume(ctx, h)

	require.Len(t, h.seen, 1)
	assert.Empty(t, fake.deleted, "retryable message stays in flight")
}

func TestConsumeDeletesPoisonMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeSQS{
		batch: []*sqs.Message{{
			Body:          aws.String("not base64 %%%"),
			ReceiptHandle: aws.String("rh-poison"),
		}},
		stopPoll: cancel,
	}
	q := NewWithClient(fake, Options{URL: "u"})
	h := &dispositionHandler{disposition: Ack}

	q.Consume(ctx, h)

	assert.Empty(t, h.seen, "poison message never reaches the handler")
	assert.Equal(t, []string{"rh-poison"}, fake.deleted)
}

func TestDecodeDefaultsAndRejects(t *testing.T) {
	msg := queuedMessage(t, "req-3", "1")
	msg.Attributes = nil
	decoded, err := decode(msg)
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.ReceiveCount, "missing attribute defaults to first delivery")

	empty, err := pb.Marshal(&pb.AuthRequestQueuedMessage{})
	require.NoError(t, err)
	_, err = decode(&sqs.Message{Body: aws.String(pb.EncodeQueueBody(empty))})
	assert.Error(t, err, "missing auth_request_id is a poison message")
}
