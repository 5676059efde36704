// Package ledger provides a client for the downstream ledger service's
// compensation endpoint. When a transform job fails after a ledger entry has
// been recorded, the entry is reversed so the failed batch is never billed.
//
// The client requires an API key, typically loaded from SSM Parameter Store
// at Lambda cold start.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaultTimeout is the HTTP client timeout for API calls.
	defaultTimeout = 30 * time.Second
)

// Client provides methods for reversing ledger entries.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// NewClient creates a ledger service client. baseURL is the service root,
// e.g. "https://ledger.internal.example.com/v1".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

// --- API response types ---

// apiResponse is the generic ledger API response envelope.
type apiResponse struct {
	ReversalID string  `json:"reversalId,omitempty"`
	Error      *apiErr `json:"error,omitempty"`
}

type apiErr struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Reverse compensates a previously recorded ledger entry. Reversal is
// idempotent on the service side: reversing an already-reversed entry
// succeeds without effect.
func (c *Client) Reverse(ctx context.Context, ledgerEntryID string) error {
	log.Debug().Str("ledgerEntryId", ledgerEntryID).Msg("Reversing ledger entry")

	body, err := json.Marshal(map[string]string{"entryId": ledgerEntryID})
	if err != nil {
		return fmt.Errorf("marshal reversal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/entries/%s/reverse", c.baseURL, ledgerEntryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	startTime := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reversal request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("parse response (status %d): %w", httpResp.StatusCode, err)
	}

	if resp.Error != nil {
		return fmt.Errorf("ledger API error: %s (code %s)", resp.Error.Message, resp.Error.Code)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("ledger API returned status %d", httpResp.StatusCode)
	}

	log.Info().
		Str("ledgerEntryId", ledgerEntryID).
		Str("reversalId", resp.ReversalID).
		Dur("elapsed", time.Since(startTime)).
		Msg("Ledger entry reversed")
	return nil
}
