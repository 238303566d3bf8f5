package moderation

import (
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-moderator/internal/infra/logger"
	"telegram-moderator/internal/infra/storage"
	"telegram-moderator/internal/infra/timeutil"
)

// Уровни репутации. Движок потребляет только предикат IsTrusted; остальная
// таксономия — справочная (отчёты, логи).
const (
	TierNewcomer = "newcomer"
	TierRegular  = "regular"
	TierTrusted  = "trusted"
)

// strikeExcerptLimit — максимальная длина выдержки из сообщения в страйке.
const strikeExcerptLimit = 100

// Strike — аудит-запись о вердикте модели по доверенному пользователю,
// которому не применили действие. Только добавляется, никогда не меняется.
type Strike struct {
	Timestamp int64  `json:"timestamp"`
	Rule      string `json:"rule"`
	Reason    string `json:"reason"`
	Excerpt   string `json:"message_excerpt"`
}

// UserStats — накопленная статистика одного пользователя.
type UserStats struct {
	UserID       int64    `json:"user_id"`
	FirstSeen    int64    `json:"first_seen"`
	MessageCount int      `json:"message_count"`
	Strikes      []Strike `json:"strikes,omitempty"`
}

// Reputation — персистентное хранилище статистики пользователей. Запись на
// диск сквозная: каждое изменение сразу сбрасывается в JSON-файл, чтобы
// рестарт не терял счётчики и страйки. Ошибка записи логируется и не
// останавливает пайплайн: авторитетно состояние в памяти.
type Reputation struct {
	mu    sync.Mutex
	users map[int64]*UserStats

	path        string
	trustedAge  time.Duration
	trustedMsgs int
	now         timeutil.Clock
}

// NewReputation создаёт хранилище. trustedAge и trustedMsgs — порог уровня
// trusted (по умолчанию 7 суток и 50 сообщений, задаются конфигом).
func NewReputation(path string, trustedAge time.Duration, trustedMsgs int, now timeutil.Clock) *Reputation {
	if now == nil {
		now = time.Now
	}
	return &Reputation{
		users:       make(map[int64]*UserStats),
		path:        path,
		trustedAge:  trustedAge,
		trustedMsgs: trustedMsgs,
		now:         now,
	}
}

// Load читает состояние с диска. Отсутствие файла — чистый старт.
func (r *Reputation) Load() error {
	var raw map[string]*UserStats
	ok, err := storage.LoadJSON(r.path, &raw)
	if err != nil {
		return errors.Wrap(err, "load reputation state")
	}
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, stats := range raw {
		id, perr := strconv.ParseInt(key, 10, 64)
		if perr != nil || stats == nil {
			continue
		}
		stats.UserID = id
		r.users[id] = stats
	}
	return nil
}

// Save атомарно сбрасывает всю карту на диск.
func (r *Reputation) Save() error {
	r.mu.Lock()
	raw := make(map[string]*UserStats, len(r.users))
	for id, stats := range r.users {
		clone := *stats
		clone.Strikes = append([]Strike(nil), stats.Strikes...)
		raw[strconv.FormatInt(id, 10)] = &clone
	}
	r.mu.Unlock()
	if err := storage.SaveJSON(r.path, raw); err != nil {
		return errors.Wrap(err, "save reputation state")
	}
	return nil
}

// UpdateActivity создаёт пользователя при первом появлении и увеличивает
// счётчик сообщений.
func (r *Reputation) UpdateActivity(userID int64) {
	r.mu.Lock()
	stats, ok := r.users[userID]
	if !ok {
		stats = &UserStats{UserID: userID, FirstSeen: r.now().Unix()}
		r.users[userID] = stats
	}
	stats.MessageCount++
	r.mu.Unlock()
	r.flush()
}

// AddStrike добавляет страйк доверенному пользователю вместо действия в чате.
// Выдержка из сообщения обрезается до 100 символов.
func (r *Reputation) AddStrike(userID int64, rule, reason, text string) {
	excerpt := []rune(text)
	if len(excerpt) > strikeExcerptLimit {
		excerpt = excerpt[:strikeExcerptLimit]
	}
	r.mu.Lock()
	stats, ok := r.users[userID]
	if !ok {
		stats = &UserStats{UserID: userID, FirstSeen: r.now().Unix()}
		r.users[userID] = stats
	}
	stats.Strikes = append(stats.Strikes, Strike{
		Timestamp: r.now().Unix(),
		Rule:      rule,
		Reason:    reason,
		Excerpt:   string(excerpt),
	})
	r.mu.Unlock()
	r.flush()
}

// Tier возвращает уровень пользователя на текущий момент.
func (r *Reputation) Tier(userID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.users[userID]
	if !ok {
		return TierNewcomer
	}
	age := r.now().Sub(time.Unix(stats.FirstSeen, 0))
	switch {
	case age >= r.trustedAge && stats.MessageCount >= r.trustedMsgs:
		return TierTrusted
	case age >= 24*time.Hour:
		return TierRegular
	default:
		return TierNewcomer
	}
}

// IsTrusted — единственный предикат, который движок использует при даунгрейде
// вердиктов delete/mute/ban до страйка.
func (r *Reputation) IsTrusted(userID int64) bool {
	return r.Tier(userID) == TierTrusted
}

// Stats возвращает копию статистики пользователя.
func (r *Reputation) Stats(userID int64) (UserStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.users[userID]
	if !ok {
		return UserStats{}, false
	}
	clone := *stats
	clone.Strikes = append([]Strike(nil), stats.Strikes...)
	return clone, true
}

// Snapshot возвращает копии всех записей (для дневного отчёта).
func (r *Reputation) Snapshot() []UserStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UserStats, 0, len(r.users))
	for _, stats := range r.users {
		clone := *stats
		clone.Strikes = append([]Strike(nil), stats.Strikes...)
		out = append(out, clone)
	}
	return out
}

func (r *Reputation) flush() {
	if err := r.Save(); err != nil {
		logger.Warnf("reputation: save failed: %v", err)
	}
}
