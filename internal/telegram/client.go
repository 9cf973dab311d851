package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Invoker executes one Bot API method call, decoding the result into out
// (which may be nil when the caller discards the result). Implementations
// must be safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, req Request, out any) error
}

// ClientConfig configures a Client. Zero values select defaults.
type ClientConfig struct {
	Token      string
	BaseURL    string       // default DefaultBaseURL
	HTTPClient *http.Client // default client with no timeout; use ctx deadlines
	// RateLimit caps outbound calls per second. 0 disables the limiter.
	RateLimit float64
	Logger    *slog.Logger
}

// Client is an HTTP Bot API client. It executes exactly one attempt per
// Invoke; retry policy belongs to the caller.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		// No client-level timeout: getUpdates holds the connection open for
		// the long-poll duration. Callers bound individual calls with ctx.
		httpc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		httpc:   httpc,
		limiter: limiter,
		logger:  logger,
	}
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result"`
	Description string              `json:"description"`
	ErrorCode   int                 `json:"error_code"`
	Parameters  *responseParameters `json:"parameters"`
}

type responseParameters struct {
	RetryAfter      int   `json:"retry_after"`
	MigrateToChatID int64 `json:"migrate_to_chat_id"`
}

// Invoke executes req and decodes the envelope's result into out.
// Cancellation is returned as the bare context error, never converted to a
// transport or protocol error.
func (c *Client) Invoke(ctx context.Context, req Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Method: req.Method(), Err: err}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Method(), err)
	}

	url := c.baseURL + "/bot" + c.token + "/" + req.Method()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Method: req.Method(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Method: req.Method(), Err: err}
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Method: req.Method(), Err: err}
	}

	c.logger.Debug("api call", "method", req.Method(), "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	var env apiResponse
	if err := json.Unmarshal(data, &env); err != nil {
		// The Bot API answers errors with a JSON envelope even on non-2xx
		// statuses; a non-JSON body means the failure happened below the API.
		if resp.StatusCode != http.StatusOK {
			return &TransportError{Method: req.Method(), Err: fmt.Errorf("http status %d", resp.StatusCode)}
		}
		return &ProtocolError{
			Method:      req.Method(),
			Code:        DecodeErrorCode,
			Description: fmt.Sprintf("malformed response body: %v", err),
		}
	}

	if !env.OK {
		pe := &ProtocolError{
			Method:      req.Method(),
			Code:        env.ErrorCode,
			Description: env.Description,
		}
		if env.Parameters != nil {
			pe.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
			pe.MigrateToChatID = env.Parameters.MigrateToChatID
		}
		return pe
	}

	if len(env.Result) == 0 || string(env.Result) == "null" {
		return &ProtocolError{
			Method:      req.Method(),
			Code:        DecodeErrorCode,
			Description: "ok response without result",
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &ProtocolError{
			Method:      req.Method(),
			Code:        DecodeErrorCode,
			Description: fmt.Sprintf("decode result: %v", err),
		}
	}
	return nil
}
