package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	fileExt      = ".json"
	lockFileName = ".lock"
)

// Store はセッションごとの発言ログを保持し、1 セッション 1 ファイルで永続化する。
// 同一セッションへの追記はセッション単位のロックで直列化し、別セッションは並行に進む
type Store struct {
	dir      string
	readOnly bool
	lock     *flock.Flock
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	loaded  bool
	session Session
}

// StoreOption は Store のオプション
type StoreOption func(*Store)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock は時刻関数を差し替える（テスト用）
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// ReadOnly はディレクトリロックを取らずに読み取り専用で開く。追記は失敗する
func ReadOnly() StoreOption {
	return func(s *Store) {
		s.readOnly = true
	}
}

// Open は dir を保存先とする Store を開く。
// ディレクトリを作成できない場合や別プロセスがロック中の場合は失敗する
func Open(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:      dir,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.readOnly {
		if _, err := os.ReadDir(dir); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrStorage, dir, err)
		}
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %w", ErrStorage, dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lock %s: %w", ErrStorage, dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStorageLocked, dir)
	}
	s.lock = lock

	return s, nil
}

// Close はディレクトリロックを解放する
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	return err
}

// Dir は保存先ディレクトリを返す
func (s *Store) Dir() string {
	return s.dir
}

// GetOrCreate はセッションを返す。保存済みなら読み込み、なければ空のセッションを作る。
// ID の検証はパスを組み立てる前に行う
func (s *Store) GetOrCreate(id string) (Session, error) {
	if err := ValidateID(id); err != nil {
		return Session{}, err
	}

	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.ensureLoaded(id, e); err != nil {
		return Session{}, err
	}
	return e.session.clone(), nil
}

// Append は発言を追記し、セッション全体を永続化してから返る。
// 永続化に失敗した場合はメモリ上の状態も変更しない
func (s *Store) Append(id string, role Role, content string) (Message, error) {
	if err := ValidateID(id); err != nil {
		return Message{}, err
	}
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if s.readOnly {
		return Message{}, fmt.Errorf("%w: store is read-only", ErrStorage)
	}

	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.ensureLoaded(id, e); err != nil {
		return Message{}, err
	}

	msg := Message{Role: role, Content: content, Timestamp: s.now().UTC()}
	next := Session{ID: id, Messages: append(slices.Clone(e.session.Messages), msg)}

	if err := s.persist(next); err != nil {
		return Message{}, err
	}
	e.session = next

	s.logger.Debug("conversation message appended",
		"sessionID", id,
		"role", role,
		"messages", len(next.Messages),
	)
	return msg, nil
}

// History は挿入順の発言列を返す。未知のセッションは空を返し、作成もしない
func (s *Store) History(id string) ([]Message, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	e, ok := s.lookup(id)
	if !ok {
		if _, err := os.Stat(s.path(id)); errors.Is(err, os.ErrNotExist) {
			return []Message{}, nil
		}
		e = s.entry(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.ensureLoaded(id, e); err != nil {
		return nil, err
	}
	return slices.Clone(e.session.Messages), nil
}

// SessionIDs は永続化済みのセッション ID を辞書順で返す
func (s *Store) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorage, s.dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if ValidateID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	return e, ok
}

func (s *Store) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		e = &entry{}
		s.sessions[id] = e
	}
	return e
}

// ensureLoaded は e.mu を保持した状態で呼ぶこと
func (s *Store) ensureLoaded(id string, e *entry) error {
	if e.loaded {
		return nil
	}
	session, found, err := s.load(id)
	if err != nil {
		return err
	}
	if !found {
		session = Session{ID: id, Messages: []Message{}}
	}
	e.session = session
	e.loaded = true
	return nil
}

func (s *Store) load(id string) (Session, bool, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: failed to read session %s: %w", ErrStorage, id, err)
	}
	session, err := decodeSession(data)
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: failed to parse session %s: %w", ErrStorage, id, err)
	}
	session.ID = id
	return session, true, nil
}

// persist は一時ファイルに書き込んで fsync し、rename で置き換える
func (s *Store) persist(session Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode session %s: %w", ErrStorage, session.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+session.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %w", ErrStorage, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: failed to write session %s: %w", ErrStorage, session.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: failed to sync session %s: %w", ErrStorage, session.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: failed to close session %s: %w", ErrStorage, session.ID, err)
	}
	if err := os.Rename(tmpName, s.path(session.ID)); err != nil {
		cleanup()
		return fmt.Errorf("%w: failed to replace session %s: %w", ErrStorage, session.ID, err)
	}
	return nil
}

// path は検証済みの ID からファイルパスを組み立てる
func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func decodeSession(data []byte) (Session, error) {
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, err
	}
	if session.Messages == nil {
		session.Messages = []Message{}
	}
	return session, nil
}
