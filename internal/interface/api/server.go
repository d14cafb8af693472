package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DefaultShutdownTimeout はグレースフルシャットダウンの待機上限
const DefaultShutdownTimeout = 10 * time.Second

// Server は echo による HTTP サーバ
type Server struct {
	echo            *echo.Echo
	addr            string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer は handler のルートを登録したサーバを作成する
func NewServer(handler *Handler, host string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.String(),
			)
			return nil
		},
	}))

	handler.RegisterRoutes(e)

	return &Server{
		echo:            e,
		addr:            net.JoinHostPort(host, strconv.Itoa(port)),
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logger,
	}
}

// Echo は内部の echo インスタンスを返す
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Addr は待ち受けアドレスを返す
func (s *Server) Addr() string {
	return s.addr
}

// Run は ctx が終了するまでリクエストを受け付け、終了後はグレースフルにシャットダウンする
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
