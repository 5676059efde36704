// Package notify publishes job lifecycle events to EventBridge. Downstream
// consumers (dashboards, webhooks, billing) subscribe by detail type; the
// pipeline itself never reads these events back.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// eventSource identifies this pipeline on the bus.
const eventSource = "photo-batch-pipeline"

// JobStateChanged is the detail payload emitted on every terminal job
// transition.
type JobStateChanged struct {
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
	JobType   string `json:"jobType"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Notifier publishes job state changes. A nil Notifier pointer is safe to
// call and does nothing, so handlers do not need to branch on configuration.
type Notifier struct {
	client  *eventbridge.Client
	busName string
}

// NewNotifier creates a Notifier publishing to the given bus. An empty bus
// name targets the account's default bus.
func NewNotifier(client *eventbridge.Client, busName string) *Notifier {
	return &Notifier{client: client, busName: busName}
}

// JobStateChanged emits one event. Notification failures are logged and
// returned, but callers treat them as best-effort: a lost event never fails
// the job transition that triggered it.
func (n *Notifier) JobStateChanged(ctx context.Context, event JobStateChanged) error {
	if n == nil || n.client == nil {
		return nil
	}

	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal JobStateChanged: %w", err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(eventSource),
		DetailType: aws.String("JobStateChanged"),
		Detail:     aws.String(string(detail)),
	}
	if n.busName != "" {
		entry.EventBusName = aws.String(n.busName)
	}

	result, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("jobId", event.JobID).Str("status", event.Status).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("jobId", event.JobID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}

	log.Debug().Str("jobId", event.JobID).Str("status", event.Status).Msg("Job state change emitted to EventBridge")
	return nil
}
