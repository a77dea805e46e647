package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client is the HTTP client for the content-extraction service (file
// processor, web crawler, transcript fetcher behind one API). The core only
// submits work; results come back asynchronously as phase callbacks.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// ExtractorInterface 定义抽取服务客户端接口
type ExtractorInterface interface {
	SubmitExtraction(ctx context.Context, req *SubmitRequest) (*JobInfo, error)
	EnqueueEmbedding(ctx context.Context, req *BatchRequest) (*BatchInfo, error)
	HealthCheck(ctx context.Context) error
}

// NewClient 创建新的抽取服务客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "Botforge-Extract-Client/1.0")

	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("Extract API Request: %s %s", req.Method, req.URL.String())
	c.logger.Debugf("Extract API Response: %d %s", resp.StatusCode, string(body))

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error [%d]: %s (code: %s)", resp.StatusCode, errResp.Error, errResp.ErrorCode)
		}
		return fmt.Errorf("API error [%d]: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			c.logger.Debugf("Retrying extract request (attempt %d/%d) after %s", attempt, c.config.MaxRetries, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return err
		}
		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("extract request failed after %d retries: %w", c.config.MaxRetries, lastErr)
}

// SubmitExtraction 提交单个条目的抽取任务
func (c *Client) SubmitExtraction(ctx context.Context, req *SubmitRequest) (*JobInfo, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = c.config.CallbackURL
	}
	endpoint := fmt.Sprintf("/api/v1/%s/extract", req.Source)
	var info JobInfo
	if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EnqueueEmbedding 提交训练批次的嵌入任务
func (c *Client) EnqueueEmbedding(ctx context.Context, req *BatchRequest) (*BatchInfo, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = c.config.CallbackURL
	}
	endpoint := fmt.Sprintf("/api/v1/%s/embed", req.Source)
	var info BatchInfo
	if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}
