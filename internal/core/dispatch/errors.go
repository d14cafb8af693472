package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyPool は資格情報プールが空であることを示す（起動時に失敗させる）
	ErrEmptyPool = errors.New("credential pool is empty")
	// ErrUpstreamExhausted は 1 回の呼び出しで全資格情報が失敗したことを示す
	ErrUpstreamExhausted = errors.New("upstream exhausted")
	// ErrRateLimited は上流がレート制限を返したことを示す
	ErrRateLimited = errors.New("upstream rate limited")
)

// ExhaustedError は全資格情報の失敗を表し、最後に観測したエラーを保持する
type ExhaustedError struct {
	Attempts    int
	RateLimited bool // 全試行がレート制限による失敗だったか
	Last        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrUpstreamExhausted, e.Attempts, e.Last)
}

// Unwrap は errors.Is で ErrUpstreamExhausted と最後のエラーの両方に一致させる
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrUpstreamExhausted, e.Last}
}

// rateLimitMarkers はレート制限を示すエラーメッセージの断片
var rateLimitMarkers = []string{"429", "rate limit", "tokens per day"}

// IsRateLimit はエラーがレート制限によるものかを判定する
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.RateLimited
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
