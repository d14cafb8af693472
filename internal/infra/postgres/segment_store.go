package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/chat-rag/internal/core/index"
	"github.com/jinford/chat-rag/internal/core/refresh"
	"github.com/jinford/chat-rag/internal/platform/database"
)

// ErrNoSnapshot はミラーにスナップショットが無いことを示す
var ErrNoSnapshot = errors.New("no snapshot mirrored")

// insertBatchSize は 1 回の pgx.Batch で送る行数
const insertBatchSize = 500

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_snapshots (
    id          SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    generation  BIGINT      NOT NULL,
    built_at    TIMESTAMPTZ NOT NULL,
    dimension   INTEGER     NOT NULL,
    segments    INTEGER     NOT NULL,
    mirrored_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rag_segments (
    id        TEXT    PRIMARY KEY,
    kind      TEXT    NOT NULL,
    source_id TEXT    NOT NULL,
    "offset"  INTEGER NOT NULL,
    content   TEXT    NOT NULL,
    embedding vector  NOT NULL
);

CREATE INDEX IF NOT EXISTS rag_segments_source_idx ON rag_segments (kind, source_id);
`

// SegmentStore は公開中のスナップショットを pgvector テーブルへミラーする refresh.SnapshotSink 実装。
// プロセス内のインデックスが正であり、このテーブルは外部からの参照と再起動時の復元に使う
type SegmentStore struct {
	db     *database.Database
	logger *slog.Logger
}

// SegmentStoreOption は SegmentStore のオプション
type SegmentStoreOption func(*SegmentStore)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) SegmentStoreOption {
	return func(s *SegmentStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSegmentStore は新しい SegmentStore を作成する
func NewSegmentStore(db *database.Database, opts ...SegmentStoreOption) *SegmentStore {
	s := &SegmentStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema は拡張とテーブルを作成する
func (s *SegmentStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Name はシンク名を返す
func (s *SegmentStore) Name() string {
	return "postgres"
}

// Persist はテーブルの内容をスナップショットで置き換える。
// 同時に複数プロセスが書き込まないようアドバイザリロックで直列化する
func (s *SegmentStore) Persist(ctx context.Context, snap *index.Snapshot) error {
	_, err := database.Transact(ctx, s.db, func(tx pgx.Tx) (struct{}, error) {
		if err := acquireXactLock(ctx, tx, lockID("rag_segments")); err != nil {
			return struct{}{}, err
		}

		// 古い世代での上書きは行わない
		var current int64
		err := tx.QueryRow(ctx, "SELECT generation FROM rag_snapshots WHERE id = 1").Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return struct{}{}, fmt.Errorf("failed to read mirrored generation: %w", err)
		case uint64(current) > snap.Generation():
			s.logger.Debug("skipping stale snapshot", "mirrored", current, "generation", snap.Generation())
			return struct{}{}, nil
		}

		if _, err := tx.Exec(ctx, "DELETE FROM rag_segments"); err != nil {
			return struct{}{}, fmt.Errorf("failed to clear segments: %w", err)
		}

		segments := snap.Segments()
		for start := 0; start < len(segments); start += insertBatchSize {
			end := min(start+insertBatchSize, len(segments))
			if err := insertSegments(ctx, tx, segments[start:end]); err != nil {
				return struct{}{}, err
			}
		}

		_, err = tx.Exec(ctx, `
INSERT INTO rag_snapshots (id, generation, built_at, dimension, segments, mirrored_at)
VALUES (1, $1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE SET
    generation = EXCLUDED.generation,
    built_at = EXCLUDED.built_at,
    dimension = EXCLUDED.dimension,
    segments = EXCLUDED.segments,
    mirrored_at = EXCLUDED.mirrored_at`,
			int64(snap.Generation()), snap.BuiltAt(), snap.Dimension(), len(segments))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to record snapshot: %w", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("snapshot mirrored to postgres", "generation", snap.Generation(), "segments", snap.Len())
	return nil
}

func insertSegments(ctx context.Context, tx pgx.Tx, segments []index.Segment) error {
	batch := &pgx.Batch{}
	for _, seg := range segments {
		batch.Queue(
			`INSERT INTO rag_segments (id, kind, source_id, "offset", content, embedding) VALUES ($1, $2, $3, $4, $5, $6)`,
			seg.ID, string(seg.Kind), seg.SourceID, seg.Offset, seg.Text, pgvector.NewVector(seg.Vector),
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range segments {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to insert segment: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to insert segments: %w", err)
	}
	return nil
}

// Load はミラー済みのスナップショットを読み込む。未ミラーなら ErrNoSnapshot
func (s *SegmentStore) Load(ctx context.Context) (*index.Snapshot, error) {
	var (
		generation int64
		builtAt    time.Time
		dimension  int
	)
	err := s.db.Pool.QueryRow(ctx, "SELECT generation, built_at, dimension FROM rag_snapshots WHERE id = 1").
		Scan(&generation, &builtAt, &dimension)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx, `SELECT id, kind, source_id, "offset", content, embedding FROM rag_segments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []index.Segment
	for rows.Next() {
		var (
			seg  index.Segment
			kind string
			vec  pgvector.Vector
		)
		if err := rows.Scan(&seg.ID, &kind, &seg.SourceID, &seg.Offset, &seg.Text, &vec); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		seg.Kind = index.SourceKind(kind)
		seg.Vector = vec.Slice()
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read segments: %w", err)
	}

	return index.NewSnapshot(uint64(generation), builtAt, dimension, segments), nil
}

// Search は正規化済みの query に対してコサイン距離で上位 k 件を返す。
// ミラー上の検索であり、プロセス内インデックスと同じ順序規則（スコア降順、同点は ID 昇順）に従う
func (s *SegmentStore) Search(ctx context.Context, query []float32, k int) ([]index.Result, error) {
	if k <= 0 {
		k = index.DefaultK
	}
	rows, err := s.db.Pool.Query(ctx, `
SELECT id, kind, source_id, "offset", content, 1 - (embedding <=> $1) AS score
FROM rag_segments
ORDER BY embedding <=> $1, id
LIMIT $2`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search segments: %w", err)
	}
	defer rows.Close()

	results := []index.Result{}
	for rows.Next() {
		var (
			r    index.Result
			kind string
		)
		if err := rows.Scan(&r.Segment.ID, &kind, &r.Segment.SourceID, &r.Segment.Offset, &r.Segment.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		r.Segment.Kind = index.SourceKind(kind)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search results: %w", err)
	}
	return results, nil
}

// インターフェース実装の確認
var _ refresh.SnapshotSink = (*SegmentStore)(nil)
