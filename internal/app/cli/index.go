package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/chat-rag/internal/core/refresh"
	"github.com/jinford/chat-rag/internal/infra/snapshotfile"
)

// IndexBuildAction は学習データと会話ログを 1 回走査してインデックスを構築するコマンドのアクション
func IndexBuildAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	// サーバー稼働中でも実行できるよう会話ログは読み取り専用で開く
	appCtx, err := NewAppContext(ctx, envFile, readOnlyConversations())
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	// generation を引き継ぐため、保存済みスナップショットを先に読み込む
	if c.Restore(ctx) {
		appCtx.Logger().Info("既存のスナップショットを読み込みました", "generation", c.Index.Current().Generation())
	}

	started := time.Now()
	report, err := c.Refresher.RefreshOnce(ctx)
	if err != nil {
		return fmt.Errorf("インデックス構築に失敗: %w", err)
	}

	printBuildReport(os.Stdout, report, time.Since(started))
	return nil
}

// printBuildReport は走査結果を表示する
func printBuildReport(w io.Writer, report refresh.Report, elapsed time.Duration) {
	if !report.Rebuilt {
		fmt.Fprintf(w, "変更はありません（generation %d）\n", report.Generation)
		return
	}

	fmt.Fprintf(w, "✓ インデックスを再構築しました（%s）\n\n", elapsed.Round(time.Millisecond))
	table := tablewriter.NewWriter(w)
	table.Header("項目", "値")
	table.Append("generation", fmt.Sprintf("%d", report.Generation))
	table.Append("文書数", fmt.Sprintf("%d", report.Documents))
	table.Append("セグメント数", fmt.Sprintf("%d", report.Segments))
	table.Append("追加", joinOrDash(report.Delta.Added))
	table.Append("変更", joinOrDash(report.Delta.Changed))
	table.Append("削除", joinOrDash(report.Delta.Removed))
	table.Render()
}

// IndexShowAction は保存済みスナップショットのマニフェストを表示するコマンドのアクション
func IndexShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile, readOnlyConversations())
	if err != nil {
		return err
	}
	defer appCtx.Close()

	manifest, err := appCtx.Container.Snapshots.ReadManifest()
	if errors.Is(err, snapshotfile.ErrNotFound) {
		fmt.Println("スナップショットはまだ保存されていません。`index build` を実行してください")
		return nil
	}
	if err != nil {
		return fmt.Errorf("マニフェストの読み込みに失敗: %w", err)
	}

	printManifest(os.Stdout, appCtx.Container.Snapshots.Dir(), manifest)
	return nil
}

// printManifest はマニフェストをテーブル形式で表示する
func printManifest(w io.Writer, dir string, m snapshotfile.Manifest) {
	table := tablewriter.NewWriter(w)
	table.Header("項目", "値")
	table.Append("保存先", dir)
	table.Append("generation", fmt.Sprintf("%d", m.Generation))
	table.Append("構築日時", m.BuiltAt.Local().Format("2006-01-02 15:04:05"))
	table.Append("次元", fmt.Sprintf("%d", m.Dimension))
	table.Append("セグメント数", fmt.Sprintf("%d", m.Segments))
	table.Append("Embedder", m.Embedder)
	table.Render()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, "\n")
}
