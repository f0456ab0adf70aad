// Package replicate runs inpainting predictions on a Replicate-compatible
// HTTP API: a prediction is created, polled until it reaches a terminal
// status and cancelled when the caller gives up.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// ErrPredictionFailed is returned when a prediction ends as failed or canceled
var ErrPredictionFailed = errors.New("prediction failed")

// Prediction statuses
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Config holds configuration for the predictions client
type Config struct {
	BaseURL string
	Token   string
	// Model is either a version hash, "owner/name:version" or "owner/name"
	Model        string
	PollInterval time.Duration
	Timeout      time.Duration
	// Input is merged into every prediction input
	Input map[string]any
}

// Client creates and follows predictions
type Client struct {
	config     Config
	httpClient *http.Client
}

// Prediction is the API representation of a prediction
type Prediction struct {
	ID      string          `json:"id"`
	Version string          `json:"version,omitempty"`
	Status  string          `json:"status"`
	Input   map[string]any  `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   any             `json:"error,omitempty"`
	Logs    string          `json:"logs,omitempty"`
	Metrics map[string]any  `json:"metrics,omitempty"`
}

type createRequest struct {
	Version string         `json:"version,omitempty"`
	Input   map[string]any `json:"input"`
}

// NewClient creates a predictions client
func NewClient(config Config) (*Client, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("replicate client needs a model or version")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.replicate.com"
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Generate runs one inpainting prediction and waits for its result
func (c *Client) Generate(ctx context.Context, req types.InpaintRequest) (*types.InpaintResult, error) {
	if req.ImageURL == "" || req.MaskURL == "" {
		return nil, fmt.Errorf("image and mask URLs are required")
	}
	return c.run(ctx, map[string]any{
		"image":  req.ImageURL,
		"mask":   req.MaskURL,
		"prompt": req.Prompt,
	})
}

// GenerateMask runs a segmentation model on the image and returns the URL of
// the mask it produced. The client's model must output a black and white
// image where white marks the region described by prompt.
func (c *Client) GenerateMask(ctx context.Context, imageURL, prompt string) (*types.InpaintResult, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("image URL is required")
	}
	return c.run(ctx, map[string]any{
		"image":  imageURL,
		"prompt": prompt,
	})
}

// run merges the configured input with fields, creates a prediction and
// waits for it to finish
func (c *Client) run(ctx context.Context, fields map[string]any) (*types.InpaintResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	input := make(map[string]any, len(c.config.Input)+len(fields))
	for k, v := range c.config.Input {
		input[k] = v
	}
	for k, v := range fields {
		input[k] = v
	}

	pred, err := c.Create(ctx, input)
	if err != nil {
		return nil, err
	}
	logging.Logger().Info("replicate: prediction created", "id", pred.ID, "status", pred.Status)

	pred, err = c.Wait(ctx, pred)
	if err != nil {
		return nil, err
	}
	return toResult(pred)
}

// Create starts a prediction
func (c *Client) Create(ctx context.Context, input map[string]any) (*Prediction, error) {
	endpoint := "/v1/predictions"
	body := createRequest{Input: input}

	model, version, hasVersion := strings.Cut(c.config.Model, ":")
	switch {
	case hasVersion:
		body.Version = version
	case strings.Contains(model, "/"):
		endpoint = "/v1/models/" + model + "/predictions"
	default:
		body.Version = model
	}

	var pred Prediction
	if err := c.do(ctx, http.MethodPost, endpoint, body, &pred); err != nil {
		return nil, fmt.Errorf("failed to create prediction: %w", err)
	}
	if pred.ID == "" {
		return nil, fmt.Errorf("failed to create prediction: response has no id")
	}
	return &pred, nil
}

// Get fetches the current state of a prediction
func (c *Client) Get(ctx context.Context, id string) (*Prediction, error) {
	var pred Prediction
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+id, nil, &pred); err != nil {
		return nil, fmt.Errorf("failed to get prediction %s: %w", id, err)
	}
	return &pred, nil
}

// Cancel asks the API to stop a prediction
func (c *Client) Cancel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/predictions/"+id+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("failed to cancel prediction %s: %w", id, err)
	}
	return nil
}

// Wait polls until the prediction reaches a terminal status. When ctx ends
// first the prediction is cancelled on a detached context.
func (c *Client) Wait(ctx context.Context, pred *Prediction) (*Prediction, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for !terminal(pred.Status) {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := c.Cancel(cctx, pred.ID); err != nil {
				logging.Logger().Warn("replicate: cancel failed", "id", pred.ID, "error", err)
			}
			cancel()
			return nil, fmt.Errorf("prediction %s abandoned: %w", pred.ID, ctx.Err())
		case <-ticker.C:
		}

		next, err := c.Get(ctx, pred.ID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, err
		}
		if next.Status != pred.Status {
			logging.Logger().Debug("replicate: status changed", "id", next.ID, "status", next.Status)
		}
		pred = next
	}
	return pred, nil
}

func terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func toResult(pred *Prediction) (*types.InpaintResult, error) {
	if pred.Status != StatusSucceeded {
		msg := pred.Status
		if pred.Error != nil {
			msg = fmt.Sprintf("%s: %v", pred.Status, pred.Error)
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrPredictionFailed, pred.ID, msg)
	}

	outputs, err := parseOutput(pred.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPredictionFailed, pred.ID, err)
	}
	return &types.InpaintResult{
		ID:        pred.ID,
		Status:    pred.Status,
		OutputURL: outputs[0],
		Outputs:   outputs,
		Metrics:   pred.Metrics,
	}, nil
}

// parseOutput accepts a single URL or a list whose first entry is the result
func parseOutput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("prediction has no output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, errors.New("prediction output is empty")
		}
		return []string{single}, nil
	}

	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("unexpected output %s", string(raw))
	}
	var outputs []string
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			outputs = append(outputs, s)
		}
	}
	if len(outputs) == 0 {
		return nil, errors.New("prediction output has no URL")
	}
	return outputs, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
