package moderation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-moderator/internal/infra/logger"
	"telegram-moderator/internal/infra/timeutil"
)

// StatusMarker — подстрока-маркер, по которой статусное сообщение находится
// в ревью-канале после рестарта.
const StatusMarker = "📊 Moderator Status"

const (
	statusThrottle  = 300 * time.Second
	statusScanDepth = 50
)

// ErrNotModified возвращается адаптером, когда платформа отвечает «сообщение
// не изменилось». Для репортёра это успех: содержимое уже актуально.
var ErrNotModified = errors.New("message not modified")

// ReviewPoster — операции ревью-канала, нужные статусному сообщению.
type ReviewPoster interface {
	// FindStatusMessage ищет среди последних limit наших сообщений канала
	// первое, содержащее marker. ok=false — не нашли.
	FindStatusMessage(ctx context.Context, marker string, limit int) (msgID int, ok bool, err error)
	SendStatus(ctx context.Context, text string) (msgID int, err error)
	EditStatus(ctx context.Context, msgID int, text string) error
}

// StatusReporter поддерживает одно самообновляющееся статусное сообщение в
// ревью-канале. Обновления троттлятся (раз в 5 минут), кроме форсированных —
// после бана или облачного флаша статус обязан обновиться немедленно.
type StatusReporter struct {
	mu sync.Mutex

	poster ReviewPoster
	quota  *QuotaManager
	queue  *BatchQueue
	now    timeutil.Clock

	msgID      int
	discovered bool
	lastUpdate time.Time
	force      bool
	lastBan    time.Time
}

// NewStatusReporter создаёт репортёр. poster может быть nil (ревью-канал не
// настроен) — тогда все обновления молча пропускаются.
func NewStatusReporter(poster ReviewPoster, quota *QuotaManager, queue *BatchQueue, now timeutil.Clock) *StatusReporter {
	if now == nil {
		now = time.Now
	}
	return &StatusReporter{poster: poster, quota: quota, queue: queue, now: now}
}

// RecordBan отмечает бан и форсирует следующее обновление.
func (s *StatusReporter) RecordBan() {
	s.mu.Lock()
	s.lastBan = s.now()
	s.force = true
	s.mu.Unlock()
}

// RecordBatch форсирует следующее обновление после облачного флаша.
func (s *StatusReporter) RecordBatch() {
	s.mu.Lock()
	s.force = true
	s.mu.Unlock()
}

// Update перерисовывает статусное сообщение: находит его при первом вызове,
// правит по месту, при невозможности правки шлёт новое. Ошибки платформы
// логируются и не выходят наружу — статус не влияет на модерацию.
func (s *StatusReporter) Update(ctx context.Context) {
	if s.poster == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.force && !s.lastUpdate.IsZero() && now.Sub(s.lastUpdate) < statusThrottle {
		return
	}

	if !s.discovered {
		s.discovered = true
		if id, ok, err := s.poster.FindStatusMessage(ctx, StatusMarker, statusScanDepth); err != nil {
			logger.Warnf("status: discovery failed: %v", err)
		} else if ok {
			s.msgID = id
			logger.Infof("status: adopted existing status message %d", id)
		}
	}

	text := s.render()

	if s.msgID != 0 {
		err := s.poster.EditStatus(ctx, s.msgID, text)
		if err == nil || errors.Is(err, ErrNotModified) {
			s.lastUpdate = now
			s.force = false
			return
		}
		// Сообщение удалили или канал сменился: бросаем id и шлём новое.
		logger.Warnf("status: edit of message %d failed, sending fresh: %v", s.msgID, err)
		s.msgID = 0
	}

	id, err := s.poster.SendStatus(ctx, text)
	if err != nil {
		logger.Warnf("status: send failed: %v", err)
		return
	}
	s.msgID = id
	s.lastUpdate = now
	s.force = false
}

// render собирает текст статуса. Вызывается под мьютексом.
func (s *StatusReporter) render() string {
	snap := s.quota.Snapshot()
	var b strings.Builder
	b.WriteString(StatusMarker)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Last flush:     %s\n", timeutil.FormatUTC(snap.LastFlush))
	fmt.Fprintf(&b, "Next flush:     %s\n", timeutil.FormatUTC(snap.NextBatch))
	fmt.Fprintf(&b, "Flush interval: %s\n", snap.Interval.Round(time.Second))
	fmt.Fprintf(&b, "Last ban:       %s\n", timeutil.FormatUTC(s.lastBan))
	fmt.Fprintf(&b, "Quota:          %d/%d (newcomers %d)\n", snap.RequestsUsed, snap.DailyLimit, snap.NewcomerRequests)
	fmt.Fprintf(&b, "Queue:          %d pending\n", s.queue.Size())
	fmt.Fprintf(&b, "Updated:        %s", timeutil.FormatUTC(s.now()))
	return b.String()
}
