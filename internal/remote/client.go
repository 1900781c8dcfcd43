// Package remote implements the HTTP client for the companion service: the
// submit and validate endpoints the sync layer depends on. Every call is
// bounded by the caller's context; a timeout is an ordinary failure because
// the retry path is identical.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/irisync/irisync/internal/record"
)

// Client communicates with the companion backend over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for the given backend base URL. token may be empty
// when the backend runs without auth.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 0, // deadlines come from the caller's context
		},
	}
}

// saveResponse mirrors the JSON returned by the save endpoints.
type saveResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	SavedAt string `json:"savedAt"`
}

// SubmitDetection sends one detection record. The backend accepts duplicate
// IDs idempotently, so at-least-once delivery is safe.
func (c *Client) SubmitDetection(ctx context.Context, rec record.DetectionRecord) error {
	var resp saveResponse
	if err := c.post(ctx, "/v1/detections", rec, &resp); err != nil {
		return fmt.Errorf("submitting detection %s: %w", rec.ID, err)
	}
	if !resp.Success {
		return fmt.Errorf("submitting detection %s: remote rejected record", rec.ID)
	}
	return nil
}

// SubmitTrainingImage sends one training-image record.
func (c *Client) SubmitTrainingImage(ctx context.Context, rec record.TrainingImageRecord) error {
	var resp saveResponse
	if err := c.post(ctx, "/v1/training-images", rec, &resp); err != nil {
		return fmt.Errorf("submitting training image %s: %w", rec.ID, err)
	}
	if !resp.Success {
		return fmt.Errorf("submitting training image %s: remote rejected record", rec.ID)
	}
	return nil
}

// validateRequest is the JSON body for the validate endpoint.
type validateRequest struct {
	ImageURI string         `json:"imageUri"`
	Disease  record.Disease `json:"disease"`
}

// ValidateTrainingImage asks the backend whether an image is fit for
// training. A rejected image is a successful call with Valid=false.
func (c *Client) ValidateTrainingImage(ctx context.Context, imageURI string, disease record.Disease) (record.Validation, error) {
	var v record.Validation
	if err := c.post(ctx, "/v1/training-images/validate", validateRequest{ImageURI: imageURI, Disease: disease}, &v); err != nil {
		return record.Validation{}, fmt.Errorf("validating training image: %w", err)
	}
	return v, nil
}

// statsResponse mirrors the JSON returned by GET /v1/stats.
type statsResponse struct {
	Stats []record.ModelStats `json:"stats"`
}

// TrainingStats fetches per-label model statistics.
func (c *Client) TrainingStats(ctx context.Context) ([]record.ModelStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("creating stats request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching training stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats: unexpected status %d", resp.StatusCode)
	}
	var out statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding stats response: %w", err)
	}
	return out.Stats, nil
}

// Reachable reports whether the backend answers its health endpoint.
func (c *Client) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
