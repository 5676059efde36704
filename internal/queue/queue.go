// Package queue wraps SQS message dispatch for the pipeline. Shard queues
// carry object and trigger messages partitioned by session affinity; the work
// queue carries grouping and transform job messages.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/message"
)

// MaxDelay is the longest delivery delay SQS supports for a single message.
// Trigger re-enqueue delays are clamped to this at config validation time.
const MaxDelay = 900 * time.Second

// Queue sends pipeline messages to a single destination queue.
type Queue interface {
	// Send encodes and dispatches one message.
	Send(ctx context.Context, msg any) error

	// SendDelayed dispatches one message with a delivery delay. The delay
	// must not exceed MaxDelay.
	SendDelayed(ctx context.Context, msg any, delay time.Duration) error
}

// SQSQueue implements Queue against one SQS queue URL.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

var _ Queue = (*SQSQueue)(nil)

// NewSQSQueue creates a Queue bound to the given queue URL.
// The client should be initialized from the shared AWS config.
func NewSQSQueue(client *sqs.Client, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
	}
}

func (q *SQSQueue) Send(ctx context.Context, msg any) error {
	return q.SendDelayed(ctx, msg, 0)
}

func (q *SQSQueue) SendDelayed(ctx context.Context, msg any, delay time.Duration) error {
	if delay < 0 || delay > MaxDelay {
		return fmt.Errorf("delay %s out of range [0, %s]", delay, MaxDelay)
	}

	body, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		input.DelaySeconds = int32(delay / time.Second)
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message to %s: %w", q.queueURL, err)
	}

	log.Debug().
		Str("queueUrl", q.queueURL).
		Dur("delay", delay).
		Msg("Message sent")
	return nil
}
