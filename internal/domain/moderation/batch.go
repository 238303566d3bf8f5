package moderation

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"

	"telegram-moderator/internal/domain/llm"
	"telegram-moderator/internal/infra/logger"
	"telegram-moderator/internal/infra/timeutil"
)

// minFlushWait — нижняя граница ожидания цикла флаша.
const minFlushWait = time.Second

// QueuedMessage — сообщение, отложенное в батч до следующего облачного запроса.
type QueuedMessage struct {
	Payload    llm.Payload
	Msg        *Message
	EnqueuedAt time.Time
}

// batchItem — элемент JSON-массива батчевого запроса.
type batchItem struct {
	Index     int `json:"index"`
	MessageID int `json:"message_id"`
	llm.Payload
}

// EstimateTokens грубо оценивает токены текста: максимум из 1 и четверти
// длины. Оценка консервативная и нужна только для порога флаша.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// BatchQueue — FIFO отложенных сообщений с двумя триггерами флаша: таймер с
// интервалом от квотного менеджера и сигнал переполнения по суммарной оценке
// токенов. Очередь защищена мьютексом: Drain атомарен относительно Add.
type BatchQueue struct {
	mu        sync.Mutex
	items     []QueuedMessage
	tokens    int // суммарная оценка токенов очереди
	maxTokens int

	flushCh chan struct{} // сигнал «порог токенов достигнут», ёмкость 1
	now     timeutil.Clock
}

// NewBatchQueue создаёт очередь с порогом maxTokens.
func NewBatchQueue(maxTokens int, now timeutil.Clock) *BatchQueue {
	if now == nil {
		now = time.Now
	}
	return &BatchQueue{
		maxTokens: maxTokens,
		flushCh:   make(chan struct{}, 1),
		now:       now,
	}
}

// Add ставит сообщение в очередь. Достижение порога токенов (включительно)
// поднимает сигнал флаша, не дожидаясь таймера.
func (q *BatchQueue) Add(payload llm.Payload, msg *Message) {
	q.mu.Lock()
	q.items = append(q.items, QueuedMessage{Payload: payload, Msg: msg, EnqueuedAt: q.now()})
	q.tokens += EstimateTokens(payload.Text)
	over := q.tokens >= q.maxTokens
	q.mu.Unlock()

	if over {
		select {
		case q.flushCh <- struct{}{}:
		default: // сигнал уже поднят
		}
	}
}

// Drain атомарно забирает и очищает очередь. Порядок постановки сохраняется.
func (q *BatchQueue) Drain() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.tokens = 0
	return items
}

// Size возвращает длину очереди.
func (q *BatchQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// EstimatedTokens возвращает суммарную оценку токенов очереди.
func (q *BatchQueue) EstimatedTokens() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tokens
}

// BuildBatchPrompt собирает JSON-массив батчевого запроса: каждому сообщению
// приписывается index (позиция в батче) и message_id. Модель обязана вернуть
// массив вердиктов той же длины с теми же index.
func BuildBatchPrompt(items []QueuedMessage) (string, error) {
	batch := make([]batchItem, 0, len(items))
	for i, item := range items {
		batch = append(batch, batchItem{Index: i, MessageID: item.Msg.ID, Payload: item.Payload})
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return "", errors.Wrap(err, "marshal batch prompt")
	}
	return string(data), nil
}

// Run — цикл флаша. Каждая итерация ждёт сигнала переполнения, но не дольше
// max(1s, interval()). По пробуждению сигнал снимается, tick вызывается
// всегда (проекция статуса), flush — только при непустой очереди. Завершение
// по ctx; начатый flush дорабатывает до конца.
func (q *BatchQueue) Run(ctx context.Context, interval func() time.Duration, tick func(), flush func()) {
	logger.Info("batch queue loop started")
	defer logger.Info("batch queue loop stopped")

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		wait := interval()
		if wait < minFlushWait {
			wait = minFlushWait
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.flushCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			// Снимаем возможный сигнал, чтобы не проснуться повторно
			// по уже обслуженному порогу.
			select {
			case <-q.flushCh:
			default:
			}
		}

		if tick != nil {
			tick()
		}
		if q.Size() > 0 && flush != nil {
			flush()
		}
	}
}
