package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/chat-rag/internal/core/index"
)

// previewLength は検索結果に表示する本文の最大文字数
const previewLength = 80

// SearchAction はインデックスへの類似検索を実行するコマンドのアクション
func SearchAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	query := cmd.String("query")
	if query == "" {
		query = cmd.Args().First()
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("検索クエリを指定してください")
	}
	k := int(cmd.Int("k"))
	useDB := cmd.Bool("db")

	appCtx, err := NewAppContext(ctx, envFile, readOnlyConversations())
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	var results []index.Result
	if useDB {
		if c.Segments == nil {
			return errors.New("DATABASE_URL が設定されていないため --db は使えません")
		}
		vector, err := c.Embedder.Embed(ctx, query)
		if err != nil {
			return fmt.Errorf("クエリの埋め込みに失敗: %w", err)
		}
		if k <= 0 {
			k = c.Config.Index.RetrievalK
		}
		results, err = c.Segments.Search(ctx, vector, k)
		if err != nil {
			return fmt.Errorf("pgvector 検索に失敗: %w", err)
		}
	} else {
		if !c.Restore(ctx) {
			if _, err := c.Refresher.RefreshOnce(ctx); err != nil {
				return fmt.Errorf("インデックス構築に失敗: %w", err)
			}
		}
		results, err = c.Index.Query(ctx, query, k)
		if err != nil {
			return fmt.Errorf("検索に失敗: %w", err)
		}
	}

	printResults(os.Stdout, results)
	return nil
}

// printResults は検索結果をテーブル形式で表示する
func printResults(w io.Writer, results []index.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "該当するセグメントはありません")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("#", "スコア", "種別", "ソース", "offset", "本文")
	for i, r := range results {
		table.Append(
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%.4f", r.Score),
			string(r.Segment.Kind),
			r.Segment.SourceID,
			fmt.Sprintf("%d", r.Segment.Offset),
			preview(r.Segment.Text, previewLength),
		)
	}
	table.Render()
}

// preview は改行を詰めて先頭 n 文字を返す
func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "…"
}
