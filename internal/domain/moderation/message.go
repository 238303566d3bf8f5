// Package moderation содержит ядро пайплайна модерации: пре-фильтр, кэш
// обработанных сообщений, трекер новичков, репутацию, квотный менеджер,
// батч-очередь, разбор вердиктов и движок маршрутизации. Пакет не знает про
// MTProto: платформенные действия выполняются через интерфейсы, реализованные
// в adapters/telegram.
package moderation

import "time"

// Message — нормализованное входящее сообщение группы. Создаётся шлюзом на
// входе, неизменяемо, после применения вердикта не используется.
type Message struct {
	ChatID    int64  // числовой id группы/канала
	ChatTitle string // название чата на момент получения
	ChatTest  bool   // полигонная группа: модерируются даже админы, вердикты видны в ревью
	ID        int    // id сообщения внутри чата
	UserID    int64  // 0 — сервисное или анонимное сообщение
	Admin     bool   // отправитель — админ чата (вне полигона не модерируется)
	Sender    string // отображаемое имя (first + last)
	Username  string // @handle без собаки; может быть пустым
	Text      string
	Date      time.Time
}

// Key — ключ дедупликации: пара (chat_id, message_id).
type Key struct {
	ChatID int64
	MsgID  int
}

// DedupKey возвращает ключ кэша обработанных сообщений.
func (m *Message) DedupKey() Key {
	return Key{ChatID: m.ChatID, MsgID: m.ID}
}
