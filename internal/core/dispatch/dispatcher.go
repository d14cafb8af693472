package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout は 1 試行あたりのデフォルトタイムアウト
const DefaultTimeout = 60 * time.Second

// Dispatcher は資格情報プールをラウンドロビンで使い、失敗時は次の資格情報へフォールバックする
type Dispatcher struct {
	pool    []Credential
	stats   []credentialStats
	client  Client
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	cursor int
}

type credentialStats struct {
	attempts atomic.Int64
	failures atomic.Int64
}

// CredentialStatus は資格情報ごとの利用状況
type CredentialStatus struct {
	Position int    `json:"position"`
	Key      string `json:"key"` // マスク済み
	Attempts int64  `json:"attempts"`
	Failures int64  `json:"failures"`
}

// Option は Dispatcher のオプション
type Option func(*Dispatcher)

// WithTimeout は 1 試行あたりのタイムアウトを変更する
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(disp *Dispatcher) {
		if logger != nil {
			disp.logger = logger
		}
	}
}

// New は順序付きの資格情報プールから Dispatcher を作成する。空のプールは ErrEmptyPool
func New(keys []string, client Client, opts ...Option) (*Dispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("dispatch client is required")
	}

	var pool []Credential
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		pool = append(pool, Credential{Key: k, Position: len(pool)})
	}
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}

	d := &Dispatcher{
		pool:    pool,
		stats:   make([]credentialStats, len(pool)),
		client:  client,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// PoolSize は資格情報の数を返す
func (d *Dispatcher) PoolSize() int {
	return len(d.pool)
}

// Status は資格情報ごとの試行・失敗回数を返す
func (d *Dispatcher) Status() []CredentialStatus {
	out := make([]CredentialStatus, len(d.pool))
	for i, c := range d.pool {
		out[i] = CredentialStatus{
			Position: c.Position,
			Key:      c.Masked(),
			Attempts: d.stats[i].attempts.Load(),
			Failures: d.stats[i].failures.Load(),
		}
	}
	return out
}

// Invoke は現在のカーソル位置から順に資格情報を試し、最初の成功を返す。
// 1 回の Invoke で同じ資格情報は 2 度使わない。全て失敗した場合は *ExhaustedError
func (d *Dispatcher) Invoke(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := d.reserve()
	n := len(d.pool)

	var (
		lastErr     error
		rateLimited = true
	)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("invoke canceled after %d attempts: %w", i, err)
		}

		pos := (start + i) % n
		cred := d.pool[pos]
		d.stats[pos].attempts.Add(1)

		resp, err := d.attempt(ctx, cred, req)
		if err == nil {
			if i > 0 {
				d.logger.Info("upstream call succeeded after fallback",
					"credential", cred.Position,
					"attempt", i+1,
				)
			}
			return resp, nil
		}

		d.stats[pos].failures.Add(1)
		lastErr = err
		limited := IsRateLimit(err)
		rateLimited = rateLimited && limited

		d.logger.Warn("upstream call failed, trying next credential",
			"credential", cred.Position,
			"key", cred.Masked(),
			"attempt", i+1,
			"poolSize", n,
			"rateLimited", limited,
			"error", err,
		)
	}

	d.logger.Error("all credentials failed", "attempts", n, "error", lastErr)
	return nil, &ExhaustedError{Attempts: n, RateLimited: rateLimited, Last: lastErr}
}

// reserve は今回の開始位置を取り、次のトップレベル呼び出しのためにカーソルを 1 進める
func (d *Dispatcher) reserve() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := d.cursor
	d.cursor = (d.cursor + 1) % len(d.pool)
	return start
}

func (d *Dispatcher) attempt(ctx context.Context, cred Credential, req CompletionRequest) (*CompletionResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.client.Complete(attemptCtx, cred, req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("attempt timed out after %s: %w", d.timeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("upstream returned an empty response")
	}
	return resp, nil
}
