package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/chat-rag/internal/app/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 設定読み込み前のログ出力用
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "chat-rag",
		Usage: "学習データと会話ログを検索して回答するチャットアシスタント",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "HTTP サーバー管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTP サーバーとインデックス更新ループを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "host",
								Usage: "待ち受けホスト（未指定時は HTTP_HOST）",
							},
							&cli.IntFlag{
								Name:  "port",
								Usage: "待ち受けポート（未指定時は HTTP_PORT）",
							},
						},
						Action: appcli.ServerStartAction,
					},
				},
			},
			{
				Name:  "chat",
				Usage: "端末上でアシスタントと会話",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "session",
						Usage: "継続するセッションID",
					},
					&cli.BoolFlag{
						Name:  "realtime",
						Usage: "Web 検索の結果も使って回答",
					},
				},
				Action: appcli.ChatAction,
			},
			{
				Name:  "index",
				Usage: "インデックス管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "build",
						Usage:  "学習データと会話ログを走査してインデックスを構築",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.IndexBuildAction,
					},
					{
						Name:   "show",
						Usage:  "保存済みスナップショットの情報を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.IndexShowAction,
					},
				},
			},
			{
				Name:      "search",
				Usage:     "インデックスを類似検索",
				ArgsUsage: "[query]",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:    "query",
						Aliases: []string{"q"},
						Usage:   "検索クエリ",
					},
					&cli.IntFlag{
						Name:  "k",
						Usage: "取得件数（未指定時は RETRIEVAL_K）",
					},
					&cli.BoolFlag{
						Name:  "db",
						Usage: "pgvector ミラーを検索",
					},
				},
				Action: appcli.SearchAction,
			},
			{
				Name:  "history",
				Usage: "会話履歴コマンド",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "保存済みセッションの一覧を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.HistoryListAction,
					},
					{
						Name:  "show",
						Usage: "セッションの履歴を表示・エクスポート",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "session",
								Usage:    "セッションID",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "format",
								Usage: "出力形式（table, json, yaml）",
								Value: "table",
							},
							&cli.StringFlag{
								Name:    "output",
								Aliases: []string{"o"},
								Usage:   "出力ファイルパス（未指定時は標準出力）",
							},
						},
						Action: appcli.HistoryShowAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}
