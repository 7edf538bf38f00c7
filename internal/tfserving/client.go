// Package tfserving talks to a TensorFlow Serving instance hosting the
// arbitrary-image-stylization model over its REST predict API.
package tfserving

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/style-transfer/internal/logging"
	"github.com/example/style-transfer/internal/tensor"
)

// Config selects the served model and its signature.
type Config struct {
	BaseURL       string
	ModelName     string
	ModelVersion  string
	SignatureName string
	ContentInput  string
	StyleInput    string
	OutputName    string
	Timeout       time.Duration
}

// Client implements stylizer.Model against TensorFlow Serving.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient returns a client; it does not contact the server.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.ContentInput == "" {
		cfg.ContentInput = "placeholder"
	}
	if cfg.StyleInput == "" {
		cfg.StyleInput = "placeholder_1"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output_0"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("tfserving"),
	}
}

// Name identifies the backend in logs and transfer records.
func (c *Client) Name() string {
	return "tfserving/" + c.cfg.ModelName
}

type predictRequest struct {
	SignatureName string                     `json:"signature_name,omitempty"`
	Inputs        map[string][][][][]float32 `json:"inputs"`
}

type predictResponse struct {
	Outputs json.RawMessage `json:"outputs"`
	Error   string          `json:"error"`
}

// Stylize sends both tensors in the columnar "inputs" format.
func (c *Client) Stylize(ctx context.Context, content, style *tensor.Tensor) (*tensor.Tensor, error) {
	contentNested, err := content.Nested()
	if err != nil {
		return nil, logging.NewOperationError("tfserving.encode_content", "", err)
	}
	styleNested, err := style.Nested()
	if err != nil {
		return nil, logging.NewOperationError("tfserving.encode_style", "", err)
	}

	payload, err := json.Marshal(predictRequest{
		SignatureName: c.cfg.SignatureName,
		Inputs: map[string][][][][]float32{
			c.cfg.ContentInput: contentNested,
			c.cfg.StyleInput:   styleNested,
		},
	})
	if err != nil {
		return nil, logging.NewOperationError("tfserving.encode_request", "", err)
	}

	start := time.Now()
	body, err := c.do(ctx, http.MethodPost, c.modelURL()+":predict", bytes.NewReader(payload))
	if err != nil {
		wrapped := logging.NewOperationError("tfserving.predict", "", err)
		c.logger.Error("predict call failed", zap.Error(wrapped), zap.String("model", c.cfg.ModelName))
		return nil, wrapped
	}
	c.logger.Debug("predict call finished", zap.Duration("latency", time.Since(start)), zap.Int("response_bytes", len(body)))

	out, err := c.decodeOutputs(body)
	if err != nil {
		return nil, logging.NewOperationError("tfserving.decode_response", "", err)
	}
	return out, nil
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

// Ready reports an error unless at least one model version is AVAILABLE.
func (c *Client) Ready(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, c.modelURL(), nil)
	if err != nil {
		return logging.NewOperationError("tfserving.model_status", "", err)
	}
	var status modelStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return logging.NewOperationError("tfserving.model_status", "", fmt.Errorf("decode status: %w", err))
	}
	for _, v := range status.ModelVersionStatus {
		if v.State == "AVAILABLE" {
			c.logger.Info("model available", zap.String("model", c.cfg.ModelName), zap.String("version", v.Version))
			return nil
		}
	}
	return logging.NewOperationError("tfserving.model_status", "", fmt.Errorf("model %q has no available version", c.cfg.ModelName))
}

func (c *Client) modelURL() string {
	u := c.cfg.BaseURL + "/v1/models/" + url.PathEscape(c.cfg.ModelName)
	if c.cfg.ModelVersion != "" {
		u += "/versions/" + url.PathEscape(c.cfg.ModelVersion)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		var apiErr predictResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("status %d: %s", res.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("unexpected status code %d", res.StatusCode)
	}
	return data, nil
}

// decodeOutputs accepts both the bare form ("outputs": [...]) used for
// single-output signatures and the named form ("outputs": {"output_0": [...]}).
func (c *Client) decodeOutputs(body []byte) (*tensor.Tensor, error) {
	var resp predictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	raw := bytes.TrimSpace(resp.Outputs)
	if len(raw) == 0 {
		return nil, errors.New("predict response has no outputs")
	}

	if raw[0] == '{' {
		var named map[string]json.RawMessage
		if err := json.Unmarshal(raw, &named); err != nil {
			return nil, fmt.Errorf("decode named outputs: %w", err)
		}
		selected, ok := named[c.cfg.OutputName]
		if !ok {
			if len(named) != 1 {
				return nil, fmt.Errorf("output %q not found in response", c.cfg.OutputName)
			}
			for _, v := range named {
				selected = v
			}
		}
		raw = selected
	}

	var batch [][][][]float32
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decode output tensor: %w", err)
	}
	return tensor.FromNested(batch)
}
