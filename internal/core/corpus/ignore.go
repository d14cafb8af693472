package corpus

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName はコーパスルートに置く除外パターンファイル名
const IgnoreFileName = ".ragignore"

// ignoreFilter は .ragignore とデフォルトパターンによる除外判定を提供する
type ignoreFilter struct {
	patterns *gitignore.GitIgnore
}

// loadIgnoreFilter は root 配下の .ragignore を読み込む。ファイルがなければデフォルトのみ
func loadIgnoreFilter(root string) (*ignoreFilter, error) {
	patterns := defaultIgnorePatterns()

	content, err := os.ReadFile(filepath.Join(root, IgnoreFileName))
	switch {
	case err == nil:
		patterns = append(patterns, parseIgnoreLines(content)...)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFileName, err)
	}

	return &ignoreFilter{patterns: gitignore.CompileIgnoreLines(patterns...)}, nil
}

// ShouldIgnore は相対パスが除外対象かを判定する
func (f *ignoreFilter) ShouldIgnore(relPath string) bool {
	if f == nil || f.patterns == nil {
		return false
	}
	return f.patterns.MatchesPath(relPath)
}

func parseIgnoreLines(content []byte) []string {
	var patterns []string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// 空行とコメント行をスキップ
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func defaultIgnorePatterns() []string {
	return []string{
		".git",
		"node_modules",
		"*.tmp",
		"*.swp",
		"*~",
	}
}
