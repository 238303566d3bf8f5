package moderation

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultProcessedCapacity — ёмкость кэша обработанных сообщений по умолчанию.
const DefaultProcessedCapacity = 10000

// ProcessedCache — LRU-кэш обработанных пар (chat_id, message_id). Telegram
// доставляет апдейты минимум один раз, а после реконнекта шлюз добирает
// пропущенное, поэтому повторы — норма. Кэш гарантирует, что один и тот же
// текст не попадёт в LLM дважды. Потокобезопасен (сам LRU под мьютексом).
type ProcessedCache struct {
	lru *lru.Cache[Key, struct{}]
}

// NewProcessedCache создаёт кэш на capacity записей. capacity <= 0 заменяется
// значением по умолчанию.
func NewProcessedCache(capacity int) *ProcessedCache {
	if capacity <= 0 {
		capacity = DefaultProcessedCapacity
	}
	c, err := lru.New[Key, struct{}](capacity)
	if err != nil {
		// lru.New ошибается только при capacity <= 0, что исключено выше.
		panic(err)
	}
	return &ProcessedCache{lru: c}
}

// Seen атомарно проверяет и помечает ключ. true — сообщение уже
// обрабатывалось, и вызывающий обязан его пропустить.
func (c *ProcessedCache) Seen(key Key) bool {
	ok, _ := c.lru.ContainsOrAdd(key, struct{}{})
	return ok
}

// Len возвращает текущее число записей (для статуса и тестов).
func (c *ProcessedCache) Len() int {
	return c.lru.Len()
}
