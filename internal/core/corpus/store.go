package corpus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-enry/go-enry/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// FileStore はディレクトリ配下のテキストファイルを文書として提供する
type FileStore struct {
	root       string
	extensions map[string]struct{}
	logger     *slog.Logger
}

// FileStoreOption は FileStore のオプション
type FileStoreOption func(*FileStore)

// WithExtensions は対象とする拡張子を指定する（例: ".txt"）。空の場合は全拡張子
func WithExtensions(exts ...string) FileStoreOption {
	return func(s *FileStore) {
		s.extensions = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.extensions[ext] = struct{}{}
		}
	}
}

// WithStoreLogger はロガーを差し替える
func WithStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileStore は root を起点とする FileStore を生成する
func NewFileStore(root string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		root:   root,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// インターフェース実装の確認
var _ Source = (*FileStore)(nil)

// Root はコーパスのルートディレクトリを返す
func (s *FileStore) Root() string {
	return s.root
}

// Documents は空でないテキストファイルをパスの辞書順で返す
func (s *FileStore) Documents(ctx context.Context) ([]Document, error) {
	files, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(files))
	for _, f := range files {
		text := string(bytes.TrimPrefix(f.content, utf8BOM))
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, Document{Path: f.rel, Text: text})
	}
	return docs, nil
}

// Fingerprints は対象ファイルごとの指紋を返す
func (s *FileStore) Fingerprints(ctx context.Context) (FingerprintSet, error) {
	files, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	set := make(FingerprintSet, len(files))
	for _, f := range files {
		sum := sha256.Sum256(f.content)
		set[f.rel] = Fingerprint{
			Path:    f.rel,
			ModTime: f.info.ModTime(),
			Size:    f.info.Size(),
			Hash:    hex.EncodeToString(sum[:]),
		}
	}
	return set, nil
}

type scannedFile struct {
	rel     string
	info    fs.FileInfo
	content []byte
}

// scan はルート配下を走査し、読み込めたテキストファイルを相対パス順で返す。
// 個別ファイルの失敗は警告ログのみでスキップする
func (s *FileStore) scan(ctx context.Context) ([]scannedFile, error) {
	if _, err := os.ReadDir(s.root); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorpusUnreadable, s.root, err)
	}

	filter, err := loadIgnoreFilter(s.root)
	if err != nil {
		s.logger.Warn("failed to load ignore file, using defaults", "root", s.root, "error", err)
		filter = &ignoreFilter{}
	}

	var files []scannedFile
	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == s.root {
			return err
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			s.logger.Warn("skipping unreadable entry", "path", rel, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if enry.IsDotFile(rel) || filter.ShouldIgnore(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !s.accepts(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", rel, "error", err)
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", rel, "error", err)
			return nil
		}
		if enry.IsBinary(content) || !utf8.Valid(content) {
			s.logger.Warn("skipping non-text file", "path", rel)
			return nil
		}

		files = append(files, scannedFile{rel: rel, info: info, content: content})
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorpusUnreadable, s.root, walkErr)
	}

	// WalkDir の順序は要素単位の辞書順なので、パス全体で並べ直す
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

func (s *FileStore) accepts(rel string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	_, ok := s.extensions[strings.ToLower(filepath.Ext(rel))]
	return ok
}
