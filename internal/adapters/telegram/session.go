// Package telegram — адаптер MTProto: хранение сессии, авторизация, кэш пиров,
// шлюз входящих сообщений и исполнение действий модератора. Пакет переводит
// доменные операции пайплайна в вызовы gotd и обратно, не допуская утечки
// tg-типов в domain.
package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"telegram-moderator/internal/infra/storage"
)

// SessionStorage реализует tdsession.Storage поверх обычного файла с атомарной
// записью: падение процесса посреди сохранения не портит сессию. Потокобезопасен.
type SessionStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*SessionStorage)(nil)

// LoadSession читает файл сессии с диска.
func (s *SessionStorage) LoadSession(_ context.Context) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	data, err := storage.ReadFileIfExists(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	if data == nil {
		return nil, tdsession.ErrNotFound
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (s *SessionStorage) StoreSession(_ context.Context, data []byte) error {
	if s == nil {
		return errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := storage.AtomicWriteFile(s.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	return nil
}
