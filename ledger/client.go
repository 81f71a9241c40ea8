// Package ledger implements the gateway to the external consensus/audit
// service: a thin JSON-RPC wrapper with bounded retries, exponential
// backoff, and submission rate limiting. Transient failures are absorbed
// into TransientError so the pipeline stays resilient to a degraded ledger.
package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"rxledger/core"
	"rxledger/observability/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 4
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second
)

// TransientError marks a gateway failure that exhausted its retries but may
// succeed later. Callers log it and continue with a degraded audit trail.
type TransientError struct {
	Method string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger: %s failed transiently: %v", e.Method, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// transient reports whether the ledger may accept the same call later.
// JSON-RPC reserves [-32099, -32000] for server errors, node-side conditions
// worth retrying; everything else (parse error, invalid request/params,
// unknown method) means the request itself is bad and retrying cannot help.
func (e *rpcError) transient() bool {
	return e.Code >= -32099 && e.Code <= -32000
}

// Config represents the client configuration.
type Config struct {
	URL              string
	Timeout          time.Duration
	MaxAttempts      int
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	SubmitsPerSecond float64
	Logger           *slog.Logger
}

// Client is the JSON-RPC gateway client. It implements core.Gateway.
type Client struct {
	url         string
	httpClient  *http.Client
	nextID      atomic.Int64
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	limiter     *rate.Limiter
	log         *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("ledger: url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
	}
	limit := rate.Inf
	if cfg.SubmitsPerSecond > 0 {
		limit = rate.Limit(cfg.SubmitsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxAttempts: maxAttempts,
		minBackoff:  minBackoff,
		maxBackoff:  maxBackoff,
		limiter:     rate.NewLimiter(limit, 1),
		log:         logger,
	}, nil
}

// CreateChannel asks the ledger to open a new append-only channel and
// returns its id.
func (c *Client) CreateChannel(ctx context.Context, memo string) (string, error) {
	var result struct {
		ChannelID string `json:"channelId"`
	}
	params := map[string]interface{}{"memo": memo}
	if err := c.callWithRetry(ctx, "ledger_createChannel", params, &result); err != nil {
		return "", err
	}
	if result.ChannelID == "" {
		return "", &TransientError{Method: "ledger_createChannel", Err: errors.New("empty channel id in response")}
	}
	return result.ChannelID, nil
}

// Submit appends a compressed event to the channel.
func (c *Client) Submit(ctx context.Context, topicID string, payload []byte) (core.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return core.Receipt{}, &TransientError{Method: "ledger_submit", Err: err}
	}
	var result struct {
		Status    string `json:"status"`
		ChannelID string `json:"channelId"`
	}
	params := map[string]interface{}{
		"channelId": topicID,
		"payload":   base64.StdEncoding.EncodeToString(payload),
	}
	if err := c.callWithRetry(ctx, "ledger_submit", params, &result); err != nil {
		return core.Receipt{}, err
	}
	return core.Receipt{Status: result.Status, TopicID: result.ChannelID}, nil
}

// QueryStatus reads the channel's coarse status from the ledger mirror. The
// mirror may lag recent submissions.
func (c *Client) QueryStatus(ctx context.Context, topicID string) (string, error) {
	var result struct {
		Status string `json:"status"`
	}
	params := map[string]interface{}{"channelId": topicID}
	if err := c.callWithRetry(ctx, "ledger_queryStatus", params, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

func (c *Client) callWithRetry(ctx context.Context, method string, params, result interface{}) error {
	backoff := c.minBackoff
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.Ledger().ObserveSubmitRetry()
			select {
			case <-ctx.Done():
				return &TransientError{Method: method, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
		err := c.call(ctx, method, params, result)
		if err == nil {
			return nil
		}
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && !rpcErr.transient() {
			// Permanent validation failure; retrying cannot help.
			return err
		}
		lastErr = err
		c.log.Debug("ledger call failed", "method", method, "attempt", attempt+1, "err", err)
	}
	return &TransientError{Method: method, Err: lastErr}
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  []interface{}{params},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &rpcError{Code: -32600, Message: fmt.Sprintf("unexpected http status %d", resp.StatusCode)}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
