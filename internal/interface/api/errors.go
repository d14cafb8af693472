package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jinford/chat-rag/internal/core/chat"
	"github.com/jinford/chat-rag/internal/core/conversation"
	"github.com/jinford/chat-rag/internal/core/dispatch"
)

// RateLimitMessage は全資格情報がレート制限に達したときの利用者向け文言
const RateLimitMessage = "You've reached your daily API limit for this assistant. " +
	"Your credits will reset in a few hours, or you can upgrade your plan for more. " +
	"Please try again later."

// ErrorResponse はエラー時のレスポンスボディ
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// statusFor はエラーを HTTP ステータスと利用者向けの文言に変換する
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, conversation.ErrInvalidIdentifier), errors.Is(err, conversation.ErrInvalidRole):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, dispatch.ErrUpstreamExhausted) && dispatch.IsRateLimit(err):
		return http.StatusTooManyRequests, RateLimitMessage
	case errors.Is(err, dispatch.ErrUpstreamExhausted):
		return http.StatusServiceUnavailable, "The assistant is temporarily unavailable. Please try again later."
	default:
		return http.StatusInternalServerError, "Error processing chat: " + err.Error()
	}
}

// errorHandler は echo の HTTPErrorHandler。ハンドラが返したエラーもここで整形する
func (h *Handler) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok && msg != "" {
			detail = msg
		}
		_ = c.JSON(he.Code, ErrorResponse{Detail: detail})
		return
	}

	code, detail := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "status", code, "error", err)
	} else {
		h.logger.Warn("request rejected", "method", c.Request().Method, "path", c.Path(), "status", code, "error", err)
	}
	_ = c.JSON(code, ErrorResponse{Detail: detail})
}
