package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/jinford/chat-rag/internal/core/corpus"
)

// TranscriptPrefix は会話由来の文書に付けるソース ID の接頭辞
const TranscriptPrefix = "chat_"

// インターフェース実装の確認
var _ corpus.Source = (*Store)(nil)

// Documents は永続化済みの各セッションを 1 文書として返す（ソース ID は chat_<id>）
func (s *Store) Documents(ctx context.Context) ([]corpus.Document, error) {
	ids, err := s.SessionIDs()
	if err != nil {
		return nil, err
	}

	docs := make([]corpus.Document, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		session, found, err := s.load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable session", "sessionID", id, "error", err)
			continue
		}
		if !found || len(session.Messages) == 0 {
			continue
		}
		docs = append(docs, corpus.Document{
			Path: TranscriptPrefix + id,
			Text: session.Transcript(),
		})
	}
	return docs, nil
}

// Fingerprints はセッションファイルごとの指紋を返す
func (s *Store) Fingerprints(ctx context.Context) (corpus.FingerprintSet, error) {
	ids, err := s.SessionIDs()
	if err != nil {
		return nil, err
	}

	set := make(corpus.FingerprintSet, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.path(id)
		info, err := os.Stat(path)
		if err != nil {
			s.logger.Warn("skipping unreadable session", "sessionID", id, "error", err)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable session", "sessionID", id, "error", err)
			continue
		}
		sum := sha256.Sum256(data)
		key := TranscriptPrefix + id
		set[key] = corpus.Fingerprint{
			Path:    key,
			ModTime: info.ModTime(),
			Size:    info.Size(),
			Hash:    hex.EncodeToString(sum[:]),
		}
	}
	return set, nil
}
