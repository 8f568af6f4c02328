package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size read from a remote agent.
const maxResponseBody = 4 * 1024 * 1024

// HTTPAgent forwards queries to a remote service that speaks the agent
// protocol: POST {query, context} and receive an AgentResult as JSON.
// CanHandle is answered locally from keywords so scoring never touches the
// network.
type HTTPAgent struct {
	*KeywordAgent
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

var _ domain.Agent = (*HTTPAgent)(nil)

// HTTPAgentConfig configures an HTTPAgent.
type HTTPAgentConfig struct {
	Name         string
	Description  string
	Capabilities map[string][]string
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
}

type remoteRequest struct {
	Agent   string         `json:"agent"`
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// NewHTTPAgent creates a remote agent. client may be shared between agents.
func NewHTTPAgent(cfg HTTPAgentConfig, client *http.Client, logger *slog.Logger) (*HTTPAgent, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("agent %q: endpoint required: %w", cfg.Name, domain.ErrInvalidInput)
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &HTTPAgent{
		KeywordAgent: NewKeywordAgent(KeywordAgentConfig{
			Name:         cfg.Name,
			Description:  cfg.Description,
			Capabilities: cfg.Capabilities,
			Timeout:      cfg.Timeout,
		}),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   client,
		logger:   logger,
	}, nil
}

func (a *HTTPAgent) Process(ctx context.Context, query string, qctx map[string]any) (*domain.AgentResult, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.http",
		trace.WithAttributes(
			tracer.StringAttr("agent.name", a.name),
			tracer.StringAttr("agent.endpoint", a.endpoint),
		),
	)
	defer span.End()

	body, err := json.Marshal(remoteRequest{Agent: a.name, Query: query, Context: qctx})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}
	if id := domain.RequestIDFromContext(ctx); id != "" {
		headers["X-Request-ID"] = id
	}

	respBody, err := doJSONRequest(ctx, a.client, a.endpoint, body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var result domain.AgentResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Content == "" {
		err := fmt.Errorf("agent %q returned empty content: %w", a.name, domain.ErrAgentFailed)
		tracer.RecordError(span, err)
		return nil, err
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		result.Confidence = min(max(result.Confidence, 0), 1)
	}

	tracer.SetOK(span)
	a.logger.Debug("remote agent completed", "agent", a.name, "content_len", len(result.Content))
	return &result, nil
}

// doJSONRequest performs a JSON POST request and returns the response body.
// Non-2xx responses are mapped to domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("http request: %w: %w", domain.ErrAgentTimeout, err)
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// mapHTTPError converts an HTTP error status to a domain error.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("remote agent error %d: %s", statusCode, truncate(string(body), 200))

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrAgentTimeout, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrAgentFailed, detail)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
