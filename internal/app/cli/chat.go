package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/chat-rag/internal/core/chat"
	"github.com/jinford/chat-rag/internal/core/conversation"
)

// chatter は対話セッションが使う会話処理
type chatter interface {
	Chat(ctx context.Context, params chat.ChatParams) (*chat.ChatResult, error)
	ChatRealtime(ctx context.Context, params chat.ChatParams) (*chat.ChatResult, error)
	History(ctx context.Context, sessionID string) ([]conversation.Message, error)
}

// errQuit は対話の終了要求
var errQuit = errors.New("quit")

// ChatAction は端末上で対話するコマンドのアクション
func ChatAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	svc, err := c.RequireChat()
	if err != nil {
		return err
	}
	c.Warmup(ctx)

	// 対話中も学習データの変更を取り込む
	refreshCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Refresher.Run(refreshCtx)

	mode := chat.ModeGeneral
	if cmd.Bool("realtime") {
		mode = chat.ModeRealtime
	}
	session := newChatSession(svc, os.Stdout, cmd.String("session"), mode)
	if !session.selectMode(ctx, cmd.IsSet("realtime")) {
		return nil
	}

	fmt.Fprintf(os.Stdout, "%s と会話します（/help でコマンド一覧）\n", c.Config.Chat.AssistantName)
	for {
		prompt := promptui.Prompt{Label: session.label()}
		line, err := prompt.Run()
		if err != nil {
			// Ctrl+C / Ctrl+D
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
				return nil
			}
			return fmt.Errorf("入力の読み込みに失敗: %w", err)
		}
		if err := session.handle(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(os.Stdout, "エラー: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// chatSession は対話の状態を保持する
type chatSession struct {
	svc       chatter
	out       io.Writer
	sessionID string
	mode      chat.Mode
}

func newChatSession(svc chatter, out io.Writer, sessionID string, mode chat.Mode) *chatSession {
	return &chatSession{svc: svc, out: out, sessionID: strings.TrimSpace(sessionID), mode: mode}
}

// selectMode はモードが指定されていなければ選択肢を表示する。中断されたら false
func (s *chatSession) selectMode(ctx context.Context, specified bool) bool {
	if specified {
		return true
	}
	sel := promptui.Select{
		Label: "モード",
		Items: []string{"general（学習データのみ）", "realtime（Web 検索あり）"},
	}
	idx, _, err := sel.Run()
	if err != nil {
		return false
	}
	if idx == 1 {
		s.mode = chat.ModeRealtime
	}
	return ctx.Err() == nil
}

func (s *chatSession) label() string {
	if s.mode == chat.ModeRealtime {
		return "You (realtime)"
	}
	return "You"
}

// handle は 1 行の入力を処理する。/ で始まる行はコマンドとして扱う
func (s *chatSession) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	switch strings.ToLower(line) {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(s.out, "/general  学習データのみで回答")
		fmt.Fprintln(s.out, "/realtime Web 検索の結果も使って回答")
		fmt.Fprintln(s.out, "/history  現在のセッションの履歴を表示")
		fmt.Fprintln(s.out, "/new      新しいセッションを開始")
		fmt.Fprintln(s.out, "/quit     終了")
		return nil
	case "/general":
		s.mode = chat.ModeGeneral
		fmt.Fprintln(s.out, "general モードに切り替えました")
		return nil
	case "/realtime":
		s.mode = chat.ModeRealtime
		fmt.Fprintln(s.out, "realtime モードに切り替えました")
		return nil
	case "/new":
		s.sessionID = ""
		fmt.Fprintln(s.out, "新しいセッションを開始します")
		return nil
	case "/history":
		if s.sessionID == "" {
			fmt.Fprintln(s.out, "まだ発言がありません")
			return nil
		}
		messages, err := s.svc.History(ctx, s.sessionID)
		if err != nil {
			return err
		}
		return writeHistory(s.out, s.sessionID, messages, formatTable)
	}
	if strings.HasPrefix(line, "/") {
		return fmt.Errorf("不明なコマンドです: %s", line)
	}

	params := chat.ChatParams{Message: line}
	if s.sessionID != "" {
		params.SessionID = mo.Some(s.sessionID)
	}

	var (
		result *chat.ChatResult
		err    error
	)
	if s.mode == chat.ModeRealtime {
		result, err = s.svc.ChatRealtime(ctx, params)
	} else {
		result, err = s.svc.Chat(ctx, params)
	}
	if err != nil {
		return err
	}

	s.sessionID = result.SessionID
	fmt.Fprintf(s.out, "\n%s\n\n", result.Reply)
	return nil
}
