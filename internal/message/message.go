// Package message defines the typed queue envelopes exchanged between the
// pipeline Lambdas. Every SQS body is a JSON envelope with a "type"
// discriminator; Decode validates at the deserialization boundary and parks
// unrecognized variants behind ErrUnknownType instead of best-effort parsing.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates the envelope variants.
type Type string

const (
	TypeObject       Type = "object"
	TypeTrigger      Type = "trigger"
	TypeGroupingJob  Type = "grouping-job"
	TypeTransformJob Type = "transform-job"
)

// ErrUnknownType is returned for envelopes whose type discriminator is not a
// known variant. Callers park the message (dead-letter) rather than retry.
var ErrUnknownType = errors.New("unknown message type")

// ObjectMessage announces one uploaded object's arrival for a session.
type ObjectMessage struct {
	Bucket     string    `json:"bucket"`
	ObjectKey  string    `json:"objectKey"`
	TenantID   string    `json:"tenantId"`
	SessionID  string    `json:"sessionId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// TriggerMessage re-evaluates completion detection for a session. It is sent
// when the completion marker object arrives and re-enqueued with a delay
// until the grace period has elapsed.
type TriggerMessage struct {
	TenantID   string    `json:"tenantId"`
	SessionID  string    `json:"sessionId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// GroupingJobMessage starts (or resumes) the phase-1 grouping run for a session.
type GroupingJobMessage struct {
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
}

// TransformJobMessage starts (or resumes) a phase-2 transform run for one
// approved group. MemberRefs carries the object keys belonging to the group so
// a fresh transform job can be created idempotently on first receipt.
type TransformJobMessage struct {
	TenantID      string   `json:"tenantId"`
	SessionID     string   `json:"sessionId"`
	JobID         string   `json:"jobId"`
	GroupID       string   `json:"groupId"`
	MemberRefs    []string `json:"memberRefs"`
	LedgerEntryID string   `json:"ledgerEntryId,omitempty"`
}

// rawEnvelope reads only the discriminator so the body can be decoded strictly
// into the matching variant.
type rawEnvelope struct {
	Type Type `json:"type"`
}

// Encode wraps a variant in its envelope. Payload types outside the closed
// variant set are rejected with an error.
func Encode(msg any) ([]byte, error) {
	var t Type
	switch msg.(type) {
	case ObjectMessage, *ObjectMessage:
		t = TypeObject
	case TriggerMessage, *TriggerMessage:
		t = TypeTrigger
	case GroupingJobMessage, *GroupingJobMessage:
		t = TypeGroupingJob
	case TransformJobMessage, *TransformJobMessage:
		t = TypeTransformJob
	default:
		return nil, fmt.Errorf("unsupported message payload %T", msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", t, err)
	}

	// Splice the discriminator into the payload object.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("re-read %s message: %w", t, err)
	}
	typeField, _ := json.Marshal(t)
	m["type"] = typeField
	return json.Marshal(m)
}

// Decode parses a queue body into exactly one variant. Returns ErrUnknownType
// (wrapped) for discriminators outside the closed set, and a validation error
// for envelopes missing required identifiers.
func Decode(body []byte) (any, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch raw.Type {
	case TypeObject:
		var m ObjectMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode object message: %w", err)
		}
		if m.TenantID == "" || m.SessionID == "" || m.ObjectKey == "" {
			return nil, fmt.Errorf("object message missing tenantId, sessionId, or objectKey")
		}
		return m, nil

	case TypeTrigger:
		var m TriggerMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode trigger message: %w", err)
		}
		if m.TenantID == "" || m.SessionID == "" {
			return nil, fmt.Errorf("trigger message missing tenantId or sessionId")
		}
		return m, nil

	case TypeGroupingJob:
		var m GroupingJobMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode grouping-job message: %w", err)
		}
		if m.TenantID == "" || m.SessionID == "" || m.JobID == "" {
			return nil, fmt.Errorf("grouping-job message missing tenantId, sessionId, or jobId")
		}
		return m, nil

	case TypeTransformJob:
		var m TransformJobMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode transform-job message: %w", err)
		}
		if m.TenantID == "" || m.JobID == "" || m.GroupID == "" {
			return nil, fmt.Errorf("transform-job message missing tenantId, jobId, or groupId")
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, raw.Type)
	}
}
