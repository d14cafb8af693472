package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/jinford/chat-rag/internal/core/conversation"
	"github.com/jinford/chat-rag/internal/platform/container"
)

// サポートする出力形式
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// historyExport は履歴のエクスポート形式
type historyExport struct {
	SessionID string          `json:"session_id" yaml:"session_id"`
	Messages  []exportMessage `json:"messages" yaml:"messages"`
}

type exportMessage struct {
	Role      string `json:"role" yaml:"role"`
	Content   string `json:"content" yaml:"content"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

func readOnlyConversations() container.ContainerOption {
	return container.WithReadOnly()
}

// HistoryListAction は保存済みセッションの一覧を表示するコマンドのアクション
func HistoryListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile, readOnlyConversations())
	if err != nil {
		return err
	}
	defer appCtx.Close()

	store := appCtx.Container.Conversations
	ids, err := store.SessionIDs()
	if err != nil {
		return fmt.Errorf("セッション一覧の取得に失敗: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("保存済みのセッションはありません")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("セッションID", "発言数", "最終更新")
	for _, id := range ids {
		messages, err := store.History(id)
		if err != nil {
			appCtx.Logger().Warn("履歴の読み込みに失敗しました", "session", id, "error", err)
			continue
		}
		last := "-"
		if n := len(messages); n > 0 {
			last = messages[n-1].Timestamp.Local().Format("2006-01-02 15:04:05")
		}
		table.Append(id, fmt.Sprintf("%d", len(messages)), last)
	}
	table.Render()
	return nil
}

// HistoryShowAction は 1 セッションの履歴を指定形式で出力するコマンドのアクション
func HistoryShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	sessionID := cmd.String("session")
	format := cmd.String("format")
	output := cmd.String("output")

	appCtx, err := NewAppContext(ctx, envFile, readOnlyConversations())
	if err != nil {
		return err
	}
	defer appCtx.Close()

	messages, err := appCtx.Container.Conversations.History(sessionID)
	if err != nil {
		return fmt.Errorf("履歴の取得に失敗: %w", err)
	}

	w := io.Writer(os.Stdout)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("出力ファイルの作成に失敗: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := writeHistory(w, sessionID, messages, format); err != nil {
		return err
	}
	if output != "" {
		fmt.Printf("✓ 履歴を %s にエクスポートしました\n", output)
	}
	return nil
}

// writeHistory は履歴を format に従って書き出す
func writeHistory(w io.Writer, sessionID string, messages []conversation.Message, format string) error {
	switch format {
	case formatTable, "":
		if len(messages) == 0 {
			fmt.Fprintf(w, "セッション %s の履歴はありません\n", sessionID)
			return nil
		}
		table := tablewriter.NewWriter(w)
		table.Header("#", "日時", "発言者", "内容")
		for i, m := range messages {
			table.Append(
				fmt.Sprintf("%d", i+1),
				m.Timestamp.Local().Format("2006-01-02 15:04:05"),
				string(m.Role),
				m.Content,
			)
		}
		table.Render()
		return nil
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(toExport(sessionID, messages)); err != nil {
			return fmt.Errorf("JSONエンコードに失敗: %w", err)
		}
		return nil
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		if err := enc.Encode(toExport(sessionID, messages)); err != nil {
			return fmt.Errorf("YAMLエンコードに失敗: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("未対応の出力形式です: %s（table, json, yaml のいずれか）", format)
	}
}

func toExport(sessionID string, messages []conversation.Message) historyExport {
	out := historyExport{SessionID: sessionID, Messages: make([]exportMessage, 0, len(messages))}
	for _, m := range messages {
		out.Messages = append(out.Messages, exportMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}
