// Package snapshotfile はインデックスのスナップショットをディレクトリに保存・復元する。
//
// ディレクトリには次の 3 ファイルを置く。
//
//	manifest.json   世代・構築時刻・次元・件数
//	segments.jsonl  1 行 1 セグメントのメタデータと本文
//	vectors.f32     リトルエンディアン float32 の行優先配列（件数 × 次元）
//
// 書き込みは一時ファイル経由で行い、manifest.json の置き換えをもって確定とする
package snapshotfile

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jinford/chat-rag/internal/core/index"
	"github.com/jinford/chat-rag/internal/core/refresh"
)

const (
	manifestFile = "manifest.json"
	segmentsFile = "segments.jsonl"
	vectorsFile  = "vectors.f32"

	formatVersion = 1
)

var (
	// ErrNotFound はディレクトリにスナップショットが無いことを示す
	ErrNotFound = errors.New("snapshot not found")

	// ErrCorrupt はファイル同士の内容が一致しないことを示す
	ErrCorrupt = errors.New("snapshot files are inconsistent")
)

// Manifest はスナップショットの概要
type Manifest struct {
	Version    int       `json:"version"`
	Generation uint64    `json:"generation"`
	BuiltAt    time.Time `json:"built_at"`
	Dimension  int       `json:"dimension"`
	Segments   int       `json:"segments"`
	Embedder   string    `json:"embedder,omitempty"`
}

type segmentRecord struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	SourceID string `json:"source_id"`
	Offset   int    `json:"offset"`
	Text     string `json:"text"`
}

// Store はディレクトリ 1 つ分のスナップショット保存先。refresh.SnapshotSink を実装する
type Store struct {
	dir      string
	embedder string
	logger   *slog.Logger
}

// Option は Store のオプション
type Option func(*Store)

// WithEmbedderName はマニフェストに記録する埋め込みモデル名を設定する
func WithEmbedderName(name string) Option {
	return func(s *Store) {
		s.embedder = name
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New は dir に保存する Store を作成する
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir は保存先ディレクトリを返す
func (s *Store) Dir() string {
	return s.dir
}

// Name はシンク名を返す
func (s *Store) Name() string {
	return "file"
}

// Persist はスナップショットを書き出す
func (s *Store) Persist(ctx context.Context, snap *index.Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	segments := snap.Segments()
	if err := s.writeAtomic(segmentsFile, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, seg := range segments {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := enc.Encode(segmentRecord{
				ID:       seg.ID,
				Kind:     string(seg.Kind),
				SourceID: seg.SourceID,
				Offset:   seg.Offset,
				Text:     seg.Text,
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.writeAtomic(vectorsFile, func(w io.Writer) error {
		buf := make([]byte, 4)
		for _, seg := range segments {
			if len(seg.Vector) != snap.Dimension() {
				return fmt.Errorf("%w: segment %s has dimension %d", ErrCorrupt, seg.ID, len(seg.Vector))
			}
			for _, x := range seg.Vector {
				binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
				if _, err := w.Write(buf); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	manifest := Manifest{
		Version:    formatVersion,
		Generation: snap.Generation(),
		BuiltAt:    snap.BuiltAt().UTC(),
		Dimension:  snap.Dimension(),
		Segments:   len(segments),
		Embedder:   s.embedder,
	}
	if err := s.writeAtomic(manifestFile, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	}); err != nil {
		return err
	}

	s.logger.Debug("snapshot written", "dir", s.dir, "generation", manifest.Generation, "segments", manifest.Segments)
	return nil
}

// ReadManifest はマニフェストだけを読む
func (s *Store) ReadManifest() (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %w", ErrCorrupt, err)
	}
	if m.Version != formatVersion {
		return m, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, m.Version)
	}
	return m, nil
}

// Load はスナップショットを復元する
func (s *Store) Load(ctx context.Context) (*index.Snapshot, error) {
	m, err := s.ReadManifest()
	if err != nil {
		return nil, err
	}

	segments, err := s.readSegments(ctx, m.Segments)
	if err != nil {
		return nil, err
	}
	if err := s.readVectors(segments, m.Dimension); err != nil {
		return nil, err
	}
	return index.NewSnapshot(m.Generation, m.BuiltAt, m.Dimension, segments), nil
}

func (s *Store) readSegments(ctx context.Context, want int) ([]index.Segment, error) {
	f, err := os.Open(filepath.Join(s.dir, segmentsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer f.Close()

	segments := make([]index.Segment, 0, want)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec segmentRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrCorrupt, len(segments)+1, err)
		}
		segments = append(segments, index.Segment{
			ID:       rec.ID,
			Kind:     index.SourceKind(rec.Kind),
			SourceID: rec.SourceID,
			Offset:   rec.Offset,
			Text:     rec.Text,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read segments: %w", err)
	}
	if len(segments) != want {
		return nil, fmt.Errorf("%w: manifest lists %d segments, found %d", ErrCorrupt, want, len(segments))
	}
	return segments, nil
}

func (s *Store) readVectors(segments []index.Segment, dim int) error {
	data, err := os.ReadFile(filepath.Join(s.dir, vectorsFile))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(data) != len(segments)*dim*4 {
		return fmt.Errorf("%w: vectors file has %d bytes, want %d", ErrCorrupt, len(data), len(segments)*dim*4)
	}
	for i := range segments {
		v := make([]float32, dim)
		for j := range v {
			off := (i*dim + j) * 4
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		}
		segments[i].Vector = v
	}
	return nil
}

// writeAtomic は一時ファイルに書いてから name に置き換える
func (s *Store) writeAtomic(name string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = write(w); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err = os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// インターフェース実装の確認
var _ refresh.SnapshotSink = (*Store)(nil)
