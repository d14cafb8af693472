package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinford/chat-rag/internal/core/chunk"
	"github.com/jinford/chat-rag/internal/core/corpus"
	"github.com/jinford/chat-rag/internal/core/index"
)

// DefaultInterval は Idle 状態で待機する既定の間隔
const DefaultInterval = 15 * time.Second

// Splitter はテキストを開始位置付きの片に分割する
type Splitter interface {
	Split(text string) []chunk.Piece
}

// Source はインデックス対象の入力元と、その種別
type Source struct {
	Kind  index.SourceKind
	Store corpus.Source
}

// SnapshotSink は切り替え後のスナップショットを受け取る永続化先。失敗しても提供は継続する
type SnapshotSink interface {
	Name() string
	Persist(ctx context.Context, snap *index.Snapshot) error
}

// Report は 1 回の走査結果
type Report struct {
	Rebuilt    bool
	Delta      corpus.Delta
	Documents  int
	Segments   int
	Generation uint64
}

// Status は Refresher の観測用スナップショット
type Status struct {
	State       string    `json:"state"`
	LastScan    time.Time `json:"last_scan"`
	LastRebuild time.Time `json:"last_rebuild"`
	LastError   string    `json:"last_error,omitempty"`
}

// Refresher は入力元の変更を検知し、インデックスを再構築して差し替える。
// 状態は Idle → Scanning → (Rebuilding) → Idle を繰り返す
type Refresher struct {
	index    *index.Index
	splitter Splitter
	sources  []Source
	sinks    []SnapshotSink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	state atomic.Int32

	// runMu は走査 1 回分を直列化し、last を保護する。last は Refresher 専有
	runMu sync.Mutex
	last  corpus.FingerprintSet

	statusMu sync.Mutex
	status   Status
}

// Option は Refresher のオプション
type Option func(*Refresher)

// WithInterval は待機間隔を変更する
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSinks はスナップショットの永続化先を追加する
func WithSinks(sinks ...SnapshotSink) Option {
	return func(r *Refresher) {
		for _, s := range sinks {
			if s != nil {
				r.sinks = append(r.sinks, s)
			}
		}
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New は Refresher を作成する
func New(idx *index.Index, splitter Splitter, sources []Source, opts ...Option) *Refresher {
	r := &Refresher{
		index:    idx,
		splitter: splitter,
		sources:  sources,
		interval: DefaultInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.status.State = StateIdle.String()
	return r
}

// State は現在の状態を返す
func (r *Refresher) State() State {
	return State(r.state.Load())
}

// Status は直近の走査・再構築の情報を返す
func (r *Refresher) Status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	s := r.status
	s.State = r.State().String()
	return s
}

// Run は ctx が終了するまで待機と走査を繰り返す。走査の失敗はログに残して次の周期で再試行する
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("index refresher started", "interval", r.interval.String())
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		r.setState(StateIdle)
		select {
		case <-ctx.Done():
			r.logger.Info("index refresher stopped")
			return
		case <-timer.C:
		}

		if _, err := r.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("index refresh failed, keeping previous snapshot", "error", err)
		}
		timer.Reset(r.interval)
	}
}

// RefreshOnce は 1 回だけ走査し、変更があれば再構築して差し替える。
// 失敗時は提供中のスナップショットと記録済みの指紋を変更しない
func (r *Refresher) RefreshOnce(ctx context.Context) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	defer r.setState(StateIdle)

	r.setState(StateScanning)
	fresh, err := r.fingerprints(ctx)
	r.recordScan(err)
	if err != nil {
		return Report{}, fmt.Errorf("scan failed: %w", err)
	}

	report := Report{Delta: r.last.Diff(fresh)}
	if r.last != nil && r.last.Equal(fresh) {
		r.logger.Debug("corpus unchanged", "files", len(fresh))
		report.Generation = r.index.Current().Generation()
		return report, nil
	}

	r.setState(StateRebuilding)
	r.logger.Info("corpus changed, rebuilding index",
		"added", len(report.Delta.Added),
		"removed", len(report.Delta.Removed),
		"changed", len(report.Delta.Changed),
	)

	drafts, docs, err := r.collect(ctx)
	if err != nil {
		r.recordRebuild(err)
		return Report{}, fmt.Errorf("rebuild failed: %w", err)
	}

	snap, err := r.index.Rebuild(ctx, drafts)
	if err != nil {
		r.recordRebuild(err)
		return Report{}, fmt.Errorf("rebuild failed: %w", err)
	}
	r.index.Swap(snap)
	r.last = fresh
	r.recordRebuild(nil)

	r.persist(ctx, snap)

	report.Rebuilt = true
	report.Documents = docs
	report.Segments = snap.Len()
	report.Generation = snap.Generation()
	return report, nil
}

// fingerprints は全入力元の指紋を種別付きのキーでまとめる
func (r *Refresher) fingerprints(ctx context.Context) (corpus.FingerprintSet, error) {
	merged := make(corpus.FingerprintSet)
	for _, src := range r.sources {
		set, err := src.Store.Fingerprints(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s fingerprints: %w", src.Kind, err)
		}
		for path, fp := range set {
			merged[string(src.Kind)+":"+path] = fp
		}
	}
	return merged, nil
}

// collect は全入力元の文書を読み込み、分割したドラフトを返す
func (r *Refresher) collect(ctx context.Context) ([]index.Draft, int, error) {
	var (
		drafts []index.Draft
		docs   int
	)
	for _, src := range r.sources {
		documents, err := src.Store.Documents(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("%s documents: %w", src.Kind, err)
		}
		docs += len(documents)
		for _, doc := range documents {
			for _, piece := range r.splitter.Split(doc.Text) {
				drafts = append(drafts, index.Draft{
					Kind:     src.Kind,
					SourceID: doc.Path,
					Offset:   piece.Offset,
					Text:     piece.Text,
				})
			}
		}
	}
	return drafts, docs, nil
}

func (r *Refresher) persist(ctx context.Context, snap *index.Snapshot) {
	for _, sink := range r.sinks {
		if err := sink.Persist(ctx, snap); err != nil {
			r.logger.Warn("failed to persist snapshot",
				"sink", sink.Name(),
				"generation", snap.Generation(),
				"error", err,
			)
			continue
		}
		r.logger.Debug("snapshot persisted", "sink", sink.Name(), "generation", snap.Generation())
	}
}

func (r *Refresher) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Refresher) recordScan(err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status.LastScan = r.now()
	r.status.LastError = errString(err)
}

func (r *Refresher) recordRebuild(err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if err == nil {
		r.status.LastRebuild = r.now()
	}
	r.status.LastError = errString(err)
}

func errString(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return err.Error()
}
