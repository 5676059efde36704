package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/jsonutil"
)

// DefaultClustererTimeout bounds one synchronous clustering invocation.
const DefaultClustererTimeout = 60 * time.Second

// ClusterRequest is the payload sent to the clustering Lambda.
type ClusterRequest struct {
	SessionID string   `json:"sessionId"`
	Proxies   []*Proxy `json:"proxies"`
}

// ClusterResult is the clusterer's verdict: proposed groups plus the refs it
// could not place.
type ClusterResult struct {
	Groups    []ClusterGroup `json:"groups"`
	Ungrouped []string       `json:"ungrouped"`
}

// ClusterGroup is one proposed cluster of member refs.
type ClusterGroup struct {
	MemberRefs []string `json:"memberRefs"`
	Confidence float64  `json:"confidence"`
}

// LambdaClusterer invokes the external clustering Lambda synchronously and
// parses its response. The clusterer is model-backed, so the response body
// may arrive wrapped in markdown fences or prose.
type LambdaClusterer struct {
	client      *lambdasvc.Client
	functionArn string
	timeout     time.Duration
}

// NewLambdaClusterer creates a clusterer adapter for the given function ARN.
func NewLambdaClusterer(client *lambdasvc.Client, functionArn string) *LambdaClusterer {
	return &LambdaClusterer{
		client:      client,
		functionArn: functionArn,
		timeout:     DefaultClustererTimeout,
	}
}

// Cluster submits the proxies and returns the proposed grouping. Any error
// here sends the caller down the fallback path, so errors must be returned,
// never retried internally past the timeout.
func (c *LambdaClusterer) Cluster(ctx context.Context, req *ClusterRequest) (*ClusterResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal cluster request: %w", err)
	}

	log.Debug().
		Str("sessionId", req.SessionID).
		Int("proxyCount", len(req.Proxies)).
		Int("payloadSize", len(payload)).
		Msg("Invoking clustering Lambda")

	out, err := c.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName: aws.String(c.functionArn),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke clusterer: %w", err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("clusterer function error: %s", *out.FunctionError)
	}

	result, err := jsonutil.ParseJSON[ClusterResult](string(out.Payload))
	if err != nil {
		return nil, fmt.Errorf("parse cluster response: %w", err)
	}

	log.Debug().
		Str("sessionId", req.SessionID).
		Int("groups", len(result.Groups)).
		Int("ungrouped", len(result.Ungrouped)).
		Msg("Clustering complete")
	return &result, nil
}
