package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/septivank/billing-reconciliation-worker/internal/config"
	"go.uber.org/zap"
)

// Client is an HTTP client for the billing backend. It forwards the bearer
// credential on every call; it never mints, refreshes, or validates it.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a new billing backend client
func NewClient(cfg config.BillingConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.BearerToken,
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqBody any) (int, []byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("billing backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// getJSON issues a GET and decodes a success response into out
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return explainResponse(status, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

type pendingEnvelope struct {
	Submissions []Submission `json:"submissions"`
}

// ListPendingSubmissions loads the current pending working set
func (c *Client) ListPendingSubmissions(ctx context.Context) ([]Submission, error) {
	var envelope pendingEnvelope
	if err := c.getJSON(ctx, "/offlineExport/pending", &envelope); err != nil {
		return nil, err
	}
	return envelope.Submissions, nil
}

type approveEnvelope struct {
	ReadingID string `json:"reading_id"`
}

// ApproveSubmission converts a pending submission into a canonical reading.
// The returned reading id may be empty when the backend does not report one.
func (c *Client) ApproveSubmission(ctx context.Context, id int64) (string, error) {
	status, body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/offlineExport/approve/%d", id), nil)
	if err != nil {
		return "", err
	}
	if status >= http.StatusBadRequest {
		return "", explainResponse(status, body)
	}

	var envelope approveEnvelope
	if len(body) > 0 {
		// reading_id is optional; an unparseable success body is not an error
		_ = json.Unmarshal(body, &envelope)
	}
	return envelope.ReadingID, nil
}

// RejectSubmission marks a pending submission rejected. No canonical reading
// is produced.
func (c *Client) RejectSubmission(ctx context.Context, id int64) error {
	status, body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/offlineExport/reject/%d", id), nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return explainResponse(status, body)
	}
	return nil
}

// ListBuildings lists buildings for the topology index
func (c *Client) ListBuildings(ctx context.Context) ([]Building, error) {
	var buildings []Building
	if err := c.getJSON(ctx, "/buildings", &buildings); err != nil {
		return nil, err
	}
	return buildings, nil
}

// ListStalls lists stalls for the topology index
func (c *Client) ListStalls(ctx context.Context) ([]Stall, error) {
	var stalls []Stall
	if err := c.getJSON(ctx, "/stalls", &stalls); err != nil {
		return nil, err
	}
	return stalls, nil
}

// ListMeters lists meters for the topology index
func (c *Client) ListMeters(ctx context.Context) ([]Meter, error) {
	var meters []Meter
	if err := c.getJSON(ctx, "/meters", &meters); err != nil {
		return nil, err
	}
	return meters, nil
}

// FetchReadings lists canonical readings at the given route. usable reports
// whether the route answered with a success status and an array-shaped body;
// err is reserved for transport failures.
func (c *Client) FetchReadings(ctx context.Context, route string) ([]ReadingRow, bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/"+strings.TrimLeft(route, "/"), nil)
	if err != nil {
		return nil, false, err
	}
	if status >= http.StatusBadRequest {
		return nil, false, nil
	}

	var rows []ReadingRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, false, nil
	}
	return rows, true, nil
}
