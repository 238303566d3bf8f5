package moderation

import (
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-moderator/internal/infra/logger"
	"telegram-moderator/internal/infra/storage"
	"telegram-moderator/internal/infra/timeutil"
)

// Floor интервала между флашами и запасной интервал на исчерпанной квоте.
const (
	minFlushInterval       = 10 * time.Second
	exhaustedFlushInterval = time.Hour
)

// QuotaManager размазывает дневной бюджет облачных запросов по остатку суток.
// Бюджет общий для батчей и мгновенного пути новичков, поэтому интервал
// пересчитывается при каждом чтении: незапланированные траты новичков сжимают
// остаток, и интервал между флашами растягивается сам собой.
//
// Сутки считаются по UTC. Переход через полночь обнаруживается лениво при
// чтении; на диск новый день попадает со следующей записью.
type QuotaManager struct {
	mu sync.Mutex

	dayStart         time.Time
	requestsUsed     int
	newcomerRequests int
	lastFlush        time.Time

	dailyLimit int
	path       string
	now        timeutil.Clock
}

type quotaState struct {
	DayStart         int64 `json:"day_start"`
	RequestsUsed     int   `json:"requests_used"`
	NewcomerRequests int   `json:"newcomer_requests"`
	LastBatchTime    int64 `json:"last_batch_time"`
}

// QuotaSnapshot — моментальный срез для статуса и отчётов.
type QuotaSnapshot struct {
	DailyLimit       int
	RequestsUsed     int
	NewcomerRequests int
	Remaining        int
	Interval         time.Duration
	LastFlush        time.Time
	NextBatch        time.Time
}

// NewQuotaManager создаёт менеджер с дневным лимитом dailyLimit и файлом
// состояния path.
func NewQuotaManager(path string, dailyLimit int, now timeutil.Clock) *QuotaManager {
	if now == nil {
		now = time.Now
	}
	q := &QuotaManager{
		dailyLimit: dailyLimit,
		path:       path,
		now:        now,
	}
	q.dayStart = timeutil.DayStartUTC(now())
	return q
}

// Load читает сохранённое состояние. Состояние прошлых суток загружается как
// есть и сбрасывается первым же чтением.
func (q *QuotaManager) Load() error {
	var st quotaState
	ok, err := storage.LoadJSON(q.path, &st)
	if err != nil {
		return errors.Wrap(err, "load quota state")
	}
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dayStart = time.Unix(st.DayStart, 0).UTC()
	q.requestsUsed = st.RequestsUsed
	q.newcomerRequests = st.NewcomerRequests
	if st.LastBatchTime > 0 {
		q.lastFlush = time.Unix(st.LastBatchTime, 0).UTC()
	}
	return nil
}

// Save атомарно сбрасывает состояние на диск.
func (q *QuotaManager) Save() error {
	q.mu.Lock()
	st := quotaState{
		DayStart:         q.dayStart.Unix(),
		RequestsUsed:     q.requestsUsed,
		NewcomerRequests: q.newcomerRequests,
	}
	if !q.lastFlush.IsZero() {
		st.LastBatchTime = q.lastFlush.Unix()
	}
	q.mu.Unlock()
	if err := storage.SaveJSON(q.path, st); err != nil {
		return errors.Wrap(err, "save quota state")
	}
	return nil
}

// maybeReset сбрасывает счётчики при переходе через полночь UTC.
// Вызывается под мьютексом.
func (q *QuotaManager) maybeReset() {
	midnight := timeutil.DayStartUTC(q.now())
	if midnight.After(q.dayStart) {
		logger.Infof("quota: new UTC day, counters reset (was %d/%d)", q.requestsUsed, q.dailyLimit)
		q.dayStart = midnight
		q.requestsUsed = 0
		q.newcomerRequests = 0
	}
}

// RecordBatchRequest учитывает n облачных запросов и помечает момент флаша.
func (q *QuotaManager) RecordBatchRequest(n int) {
	q.mu.Lock()
	q.maybeReset()
	q.requestsUsed += n
	q.lastFlush = q.now()
	q.mu.Unlock()
	q.flush()
}

// RecordNewcomerRequest учитывает один запрос мгновенного пути.
func (q *QuotaManager) RecordNewcomerRequest() {
	q.mu.Lock()
	q.maybeReset()
	q.requestsUsed++
	q.newcomerRequests++
	q.mu.Unlock()
	q.flush()
}

// Remaining возвращает остаток дневного бюджета.
func (q *QuotaManager) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maybeReset()
	return q.dailyLimit - q.requestsUsed
}

// Interval возвращает текущий интервал между флашами: остаток суток, делённый
// на остаток бюджета, но не меньше 10 секунд. При исчерпанной квоте — час.
func (q *QuotaManager) Interval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.intervalLocked()
}

func (q *QuotaManager) intervalLocked() time.Duration {
	q.maybeReset()
	remaining := q.dailyLimit - q.requestsUsed
	if remaining <= 0 {
		return exhaustedFlushInterval
	}
	interval := timeutil.UntilNextMidnightUTC(q.now()) / time.Duration(remaining)
	if interval < minFlushInterval {
		interval = minFlushInterval
	}
	return interval
}

// NextBatchTime — момент следующего планового флаша. Если флашей ещё не было,
// флашить можно прямо сейчас.
func (q *QuotaManager) NextBatchTime() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastFlush.IsZero() {
		return q.now()
	}
	return q.lastFlush.Add(q.intervalLocked())
}

// Snapshot возвращает срез состояния для статуса.
func (q *QuotaManager) Snapshot() QuotaSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	interval := q.intervalLocked()
	next := q.now()
	if !q.lastFlush.IsZero() {
		next = q.lastFlush.Add(interval)
	}
	return QuotaSnapshot{
		DailyLimit:       q.dailyLimit,
		RequestsUsed:     q.requestsUsed,
		NewcomerRequests: q.newcomerRequests,
		Remaining:        q.dailyLimit - q.requestsUsed,
		Interval:         interval,
		LastFlush:        q.lastFlush,
		NextBatch:        next,
	}
}

func (q *QuotaManager) flush() {
	if err := q.Save(); err != nil {
		logger.Warnf("quota: save failed: %v", err)
	}
}
