package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"triage/internal/domain"
)

// maxResponseBody bounds how much of a classifier response is read, so a
// malformed collaborator cannot exhaust memory.
const maxResponseBody = 1 << 20

// HTTPClassifier calls a remote intent service. One classification is one
// POST with a bounded timeout; failures and timeouts surface as
// ErrUnavailable so the orchestrator can apply its retry-then-clarify policy.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier creates a classifier client for the given endpoint.
func NewHTTPClassifier(endpoint string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Distribution map[string]float64 `json:"distribution"`
	Matched      []string           `json:"matched,omitempty"`
}

// Classify posts the text to the remote service and decodes the returned
// distribution. Unknown domain labels are dropped rather than failing the
// turn.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("intent: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("intent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	dist := make(Distribution, len(decoded.Distribution))
	for label, p := range decoded.Distribution {
		dom := domain.Domain(label)
		if dom.IsValid() && p > 0 {
			dist[dom] = p
		}
	}
	return Result{Distribution: dist, Matched: decoded.Matched}, nil
}
