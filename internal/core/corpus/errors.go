package corpus

import "errors"

var (
	// ErrCorpusUnreadable はコーパスのルートディレクトリが読めないことを示す
	ErrCorpusUnreadable = errors.New("corpus root is unreadable")
)
