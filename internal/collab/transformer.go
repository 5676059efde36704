package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/rs/zerolog/log"
)

// DefaultTransformTimeout is the hard per-item timeout for one heavyweight
// transform invocation.
const DefaultTransformTimeout = 120 * time.Second

// TransformRequest is the payload sent to the transform Lambda for one item.
type TransformRequest struct {
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
	Ref       string `json:"ref"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"objectKey"`
	ProxyKey  string `json:"proxyKey,omitempty"`
}

// TransformResult is the transform Lambda's output for one item.
type TransformResult struct {
	OutputRef string            `json:"outputRef"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// LambdaTransformer invokes the heavyweight transform Lambda synchronously
// with a hard timeout per item.
type LambdaTransformer struct {
	client      *lambdasvc.Client
	functionArn string
	timeout     time.Duration
}

// NewLambdaTransformer creates a transformer adapter for the given function ARN.
func NewLambdaTransformer(client *lambdasvc.Client, functionArn string) *LambdaTransformer {
	return &LambdaTransformer{
		client:      client,
		functionArn: functionArn,
		timeout:     DefaultTransformTimeout,
	}
}

// Transform processes one item. The timeout is absolute: an invocation still
// running when it fires counts as a failed attempt for that item.
func (t *LambdaTransformer) Transform(ctx context.Context, req *TransformRequest) (*TransformResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal transform request: %w", err)
	}

	start := time.Now()
	out, err := t.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName: aws.String(t.functionArn),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke transformer for %s: %w", req.Ref, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("transformer function error for %s: %s", req.Ref, *out.FunctionError)
	}

	var result TransformResult
	if err := json.Unmarshal(out.Payload, &result); err != nil {
		return nil, fmt.Errorf("parse transform response for %s: %w", req.Ref, err)
	}
	if result.OutputRef == "" {
		return nil, fmt.Errorf("transformer returned empty outputRef for %s", req.Ref)
	}

	log.Debug().
		Str("ref", req.Ref).
		Str("outputRef", result.OutputRef).
		Dur("elapsed", time.Since(start)).
		Msg("Item transformed")
	return &result, nil
}
