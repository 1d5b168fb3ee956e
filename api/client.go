package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/youssefsiam38/chatcompact/compaction"
)

// DefaultClientTimeout bounds one remote summarization call.
const DefaultClientTimeout = 2 * time.Minute

// Client calls a remote compaction server. It implements
// compaction.Summarizer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     compaction.Config
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCompressionConfig sets the config sent with every request. The
// budget of each SummarizeContext takes precedence.
func WithCompressionConfig(cfg compaction.Config) ClientOption {
	return func(c *Client) { c.config = cfg }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ compaction.Summarizer = (*Client)(nil)

// Compress sends req to POST /api/compress.
func (c *Client) Compress(ctx context.Context, req *compaction.CompressRequest) (*compaction.CompressResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode compress request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/compress", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", compaction.ErrSummarizationFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", compaction.ErrSummarizationFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		switch msg {
		case msgMissingMessages:
			return nil, compaction.ErrNoMessagesToCompact
		case msgModelNotConfigured:
			return nil, compaction.ErrModelNotConfigured
		}
		return nil, fmt.Errorf("%w: server returned %d: %s", compaction.ErrSummarizationFailed, resp.StatusCode, msg)
	}

	var out compaction.CompressResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", compaction.ErrInvalidSummary, err)
	}
	return &out, nil
}

// Summarize implements compaction.Summarizer.
func (c *Client) Summarize(ctx context.Context, sc *compaction.SummarizeContext) (*compaction.SummarizeResult, error) {
	if sc == nil || len(sc.Messages) == 0 {
		return nil, compaction.ErrNoMessagesToCompact
	}

	cfg := c.config
	if sc.Budget != nil {
		cfg.MaxTokenBudget = compaction.IntPtr(*sc.Budget)
	}

	resp, err := c.Compress(ctx, &compaction.CompressRequest{
		Messages:       sc.Messages,
		PinnedMessages: sc.PinnedMessages,
		Artifacts:      sc.Artifacts,
		Snapshot:       sc.Snapshot,
		Config:         cfg,
		Usage:          sc.Usage,
		Reason:         sc.Reason,
	})
	if err != nil {
		return nil, err
	}

	usage := resp.Usage
	return &compaction.SummarizeResult{
		Artifacts:           resp.Artifacts,
		SurvivingMessageIDs: resp.Snapshot.SurvivingMessageIDs,
		Usage:               &usage,
	}, nil
}
