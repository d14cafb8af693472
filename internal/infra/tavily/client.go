// Package tavily は Tavily Search API のクライアントを提供する
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jinford/chat-rag/internal/core/chat"
)

const (
	// DefaultBaseURL は Tavily API のエンドポイント
	DefaultBaseURL = "https://api.tavily.com"

	// DefaultMaxResults は 1 回の検索で取得する件数
	DefaultMaxResults = 5

	// DefaultSearchDepth は検索の深さ
	DefaultSearchDepth = "basic"

	// DefaultAttempts はリトライを含む最大試行回数
	DefaultAttempts = 3

	// DefaultInitialBackoff は最初のリトライまでの待機時間
	DefaultInitialBackoff = time.Second

	// DefaultTimeout は 1 リクエストあたりのタイムアウト
	DefaultTimeout = 15 * time.Second
)

// ErrAPIKeyNotSet は API キーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("tavily API key not set: please set TAVILY_API_KEY environment variable")

// Client は Tavily Search API クライアント
type Client struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	maxResults     int
	depth          string
	attempts       int
	initialBackoff time.Duration
	logger         *slog.Logger
}

// Option は Client のオプション
type Option func(*Client)

// WithBaseURL はエンドポイントを上書きする
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxResults は取得件数を変更する
func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// WithRetry は最大試行回数と初回の待機時間を変更する
func WithRetry(attempts int, initial time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if initial > 0 {
			c.initialBackoff = initial
		}
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrAPIKeyNotSet
	}

	c := &Client{
		apiKey:         apiKey,
		baseURL:        DefaultBaseURL,
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		maxResults:     DefaultMaxResults,
		depth:          DefaultSearchDepth,
		attempts:       DefaultAttempts,
		initialBackoff: DefaultInitialBackoff,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type searchRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// statusError は 2xx 以外の応答
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tavily returned status %d: %s", e.code, e.body)
}

// Search は query で Web 検索する。一時的な失敗は指数バックオフで再試行する
func (c *Client) Search(ctx context.Context, query string) ([]chat.WebResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	body, err := json.Marshal(searchRequest{
		Query:       query,
		SearchDepth: c.depth,
		MaxResults:  c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	var resp *searchResponse
	operation := func() error {
		r, err := c.do(ctx, body)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.attempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("web search failed, retrying", "wait", wait.String(), "error", err)
	}
	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	results := make([]chat.WebResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, chat.WebResult{
			Title:   strings.TrimSpace(r.Title),
			Content: strings.TrimSpace(r.Content),
			URL:     r.URL,
		})
	}
	c.logger.Debug("web search completed", "query", query, "results", len(results))
	return results, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*searchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode/100 != 2 {
		return nil, &statusError{code: res.StatusCode, body: strings.TrimSpace(string(data))}
	}

	var out searchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return &out, nil
}

// インターフェース実装の確認
var _ chat.Searcher = (*Client)(nil)
