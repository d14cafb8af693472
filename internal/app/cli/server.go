package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/chat-rag/internal/interface/api"
)

// ServerStartAction は HTTP サーバーとインデックス更新ループを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
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

	host := c.Config.HTTP.Host
	if cmd.IsSet("host") {
		host = cmd.String("host")
	}
	port := c.Config.HTTP.Port
	if cmd.IsSet("port") {
		port = int(cmd.Int("port"))
	}

	// 起動時に一度インデックスを構築してから受け付ける
	c.Warmup(ctx)

	handler := api.NewHandler(svc,
		api.WithIndex(c.Index),
		api.WithRefresher(c.Refresher),
		api.WithPool(c.Dispatcher),
		api.WithAssistantName(c.Config.Chat.AssistantName),
		api.WithRealtimeSearch(c.Searcher != nil),
		api.WithLogger(appCtx.Logger()),
	)
	server := api.NewServer(handler, host, port, appCtx.Logger())

	slog.Info("サーバーを起動します",
		"addr", server.Addr(),
		"credentials", c.Dispatcher.PoolSize(),
		"embedder", c.EmbedderName,
		"segments", c.Index.Current().Len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Refresher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("サーバーが異常終了しました: %w", err)
	}

	slog.Info("サーバーを停止しました")
	return nil
}
