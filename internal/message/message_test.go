package message

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sent := &ObjectMessage{
		Bucket:     "uploads",
		ObjectKey:  "t1/s1/img-001.jpg",
		TenantID:   "t1",
		SessionID:  "s1",
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
	body, err := Encode(sent)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(ObjectMessage)
	if !ok {
		t.Fatalf("decoded to %T, want ObjectMessage", decoded)
	}
	if got.ObjectKey != sent.ObjectKey || got.TenantID != sent.TenantID || got.SessionID != sent.SessionID {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestDecodeDiscriminatesVariants(t *testing.T) {
	cases := []struct {
		name string
		msg  any
		want string
	}{
		{"trigger", &TriggerMessage{TenantID: "t1", SessionID: "s1"}, "message.TriggerMessage"},
		{"grouping", &GroupingJobMessage{TenantID: "t1", SessionID: "s1", JobID: "grp-s1"}, "message.GroupingJobMessage"},
		{"transform", &TransformJobMessage{TenantID: "t1", SessionID: "s1", JobID: "tf-g1", GroupID: "g1"}, "message.TransformJobMessage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(body)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			switch decoded.(type) {
			case TriggerMessage, GroupingJobMessage, TransformJobMessage:
			default:
				t.Fatalf("decoded to %T", decoded)
			}
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"mystery","tenantId":"t1"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeRejectsMissingIdentifiers(t *testing.T) {
	cases := []string{
		`{"type":"object","tenantId":"t1"}`,
		`{"type":"trigger","tenantId":"t1"}`,
		`{"type":"grouping-job","tenantId":"t1","sessionId":"s1"}`,
		`{"type":"transform-job","tenantId":"t1","jobId":"tf-g1"}`,
	}
	for _, body := range cases {
		if _, err := Decode([]byte(body)); err == nil {
			t.Errorf("Decode(%s) accepted an incomplete message", body)
		}
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("malformed body accepted")
	}
}
