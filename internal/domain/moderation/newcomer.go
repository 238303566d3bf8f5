package moderation

import (
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-moderator/internal/infra/storage"
	"telegram-moderator/internal/infra/timeutil"
)

// NewcomerTracker помнит момент первого появления каждого пользователя.
// Новичок — тот, кого трекер видит впервые либо чьё первое появление было
// меньше окна назад. Сообщения новичков уходят по мгновенному пути (локальная
// модель), остальные копятся в батч.
//
// Состояние переживает рестарты: карта first_seen сериализуется в JSON-файл
// атомарной записью.
type NewcomerTracker struct {
	mu        sync.Mutex
	firstSeen map[int64]time.Time
	window    time.Duration
	path      string
	now       timeutil.Clock
}

// NewNewcomerTracker создаёт трекер с окном window и файлом состояния path.
func NewNewcomerTracker(path string, window time.Duration, now timeutil.Clock) *NewcomerTracker {
	if now == nil {
		now = time.Now
	}
	return &NewcomerTracker{
		firstSeen: make(map[int64]time.Time),
		window:    window,
		path:      path,
		now:       now,
	}
}

// Load читает сохранённое состояние. Отсутствие файла — не ошибка: трекер
// начинает с пустой карты и все пользователи считаются новичками.
func (t *NewcomerTracker) Load() error {
	var raw map[string]int64
	ok, err := storage.LoadJSON(t.path, &raw)
	if err != nil {
		return errors.Wrap(err, "load newcomers state")
	}
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, unix := range raw {
		id, perr := strconv.ParseInt(key, 10, 64)
		if perr != nil {
			continue
		}
		t.firstSeen[id] = time.Unix(unix, 0).UTC()
	}
	return nil
}

// Save атомарно сбрасывает карту first_seen на диск.
func (t *NewcomerTracker) Save() error {
	t.mu.Lock()
	raw := make(map[string]int64, len(t.firstSeen))
	for id, ts := range t.firstSeen {
		raw[strconv.FormatInt(id, 10)] = ts.Unix()
	}
	t.mu.Unlock()
	if err := storage.SaveJSON(t.path, raw); err != nil {
		return errors.Wrap(err, "save newcomers state")
	}
	return nil
}

// Touch фиксирует первое появление пользователя, если оно ещё не записано.
func (t *NewcomerTracker) Touch(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.firstSeen[userID]; !ok {
		t.firstSeen[userID] = t.now()
	}
}

// IsNewcomer сообщает, считается ли пользователь новичком прямо сейчас.
// Незнакомый пользователь — всегда новичок.
func (t *NewcomerTracker) IsNewcomer(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	first, ok := t.firstSeen[userID]
	if !ok {
		return true
	}
	return t.now().Sub(first) < t.window
}

// BulkRegister массово регистрирует существующих участников группы как
// ветеранов: им проставляется first_seen за пределами окна (window + 1s
// назад), чтобы старожилы не попали на мгновенный путь после первого запуска.
// Записи, которые сейчас классифицируются как новички, тоже переписываются:
// участник группы на момент запуска по определению не новичок. Более старые
// записи не трогаются. Возвращает число добавленных и переписанных записей.
func (t *NewcomerTracker) BulkRegister(userIDs []int64) int {
	now := t.now()
	veteran := now.Add(-t.window - time.Second)
	t.mu.Lock()
	defer t.mu.Unlock()
	registered := 0
	for _, id := range userIDs {
		if first, ok := t.firstSeen[id]; ok && now.Sub(first) >= t.window {
			continue
		}
		t.firstSeen[id] = veteran
		registered++
	}
	return registered
}

// Count возвращает число отслеживаемых пользователей.
func (t *NewcomerTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.firstSeen)
}
