package conversation

import "errors"

var (
	// ErrInvalidIdentifier はセッション ID がパスとして安全でないことを示す
	ErrInvalidIdentifier = errors.New("invalid session identifier")
	// ErrInvalidRole は user / assistant 以外のロールが指定されたことを示す
	ErrInvalidRole = errors.New("invalid message role")
	// ErrStorage は会話保存先の読み書きに失敗したことを示す
	ErrStorage = errors.New("conversation storage error")
	// ErrStorageLocked は保存先ディレクトリが別プロセスに使用されていることを示す
	ErrStorageLocked = errors.New("conversation storage is locked by another process")
)
